/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-playthrough-go/internal/audio"
	"github.com/loqalabs/loqa-playthrough-go/internal/nats"
	"github.com/loqalabs/loqa-playthrough-go/internal/playthrough"
)

type options struct {
	config        playthrough.Config
	natsURL       string
	publish       bool
	statsInterval time.Duration
}

func parseFlags(args []string) (options, error) {
	defaults := playthrough.DefaultConfig()
	opts := options{config: defaults}
	var source string

	fs := flag.NewFlagSet("playthrough", flag.ContinueOnError)
	fs.StringVar(&opts.config.DeviceID, "id", defaults.DeviceID, "Device ID used in NATS subjects and events")
	fs.StringVar(&source, "source", string(defaults.Source), "Audio source: device or external (NATS frames)")
	fs.Float64Var(&opts.config.SampleRate, "rate", defaults.SampleRate, "Sample rate in Hz")
	fs.IntVar(&opts.config.Channels, "channels", defaults.Channels, "Channels per frame")
	fs.IntVar(&opts.config.FramesPerBuffer, "frames", defaults.FramesPerBuffer, "Device buffer size in frames")
	fs.IntVar(&opts.config.CapacityMultiplier, "multiplier", defaults.CapacityMultiplier, "Ring buffer capacity in device buffers")
	fs.IntVar(&opts.config.LatencyBuffers, "latency", defaults.LatencyBuffers, "Render latency in device buffers")
	fs.IntVar(&opts.config.ResyncAfter, "resync", defaults.ResyncAfter, "Consecutive underruns before the render side resyncs")
	fs.Float64Var(&opts.config.MixFrequency, "mix-freq", defaults.MixFrequency, "Frequency of the tone mixed into the output in Hz")
	var mixGain float64
	fs.Float64Var(&mixGain, "mix-gain", float64(defaults.MixGain), "Gain of the mixed tone in [0, 1] (0 disables)")
	fs.StringVar(&opts.natsURL, "nats", "nats://localhost:4222", "NATS server URL (empty disables NATS)")
	fs.BoolVar(&opts.publish, "publish", false, "Publish captured frames to NATS for remote play-through")
	fs.DurationVar(&opts.statsInterval, "stats", 10*time.Second, "Stats log interval (0 disables)")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	opts.config.Source = playthrough.Source(source)
	opts.config.MixGain = float32(mixGain)
	if err := opts.config.Validate(); err != nil {
		return opts, fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.config.Source == playthrough.SourceExternal && opts.natsURL == "" {
		return opts, fmt.Errorf("source %q needs a NATS URL", playthrough.SourceExternal)
	}
	if opts.publish && (opts.natsURL == "" || opts.config.Source != playthrough.SourceDevice) {
		return opts, fmt.Errorf("-publish needs a NATS URL and source %q", playthrough.SourceDevice)
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatalf("❌ %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, audio.NewPortAudioBackend()); err != nil {
		log.Fatalf("❌ %v", err)
	}
	log.Println("👋 Play-through stopped")
}

func run(ctx context.Context, opts options, backend audio.AudioBackend) error {
	cfg := opts.config
	log.Println("🚀 Starting Loqa Play-through")
	log.Printf("📋 Device ID: %s", cfg.DeviceID)
	log.Printf("🎚️  Format: %d ch @ %.0f Hz, %d frames/buffer, source %s", cfg.Channels, cfg.SampleRate, cfg.FramesPerBuffer, cfg.Source)
	if opts.natsURL != "" {
		log.Printf("📨 NATS URL: %s", opts.natsURL)
	}

	if err := backend.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize audio: %w", err)
	}
	defer func() {
		if err := backend.Terminate(); err != nil {
			log.Printf("⚠️  Failed to terminate audio: %v", err)
		}
	}()

	player, err := playthrough.NewPlayer(cfg, backend)
	if err != nil {
		return fmt.Errorf("failed to create player: %w", err)
	}

	var (
		publisher  *nats.EventPublisher
		subscriber *nats.FrameSubscriber
		forwarder  *nats.FrameForwarder
	)
	if opts.natsURL != "" {
		conn, err := nats.Connect(opts.natsURL, "loqa-playthrough-"+cfg.DeviceID)
		if err != nil {
			return fmt.Errorf("failed to initialize NATS: %w", err)
		}
		defer conn.Close()

		publisher = nats.NewEventPublisher(conn, cfg.DeviceID, nats.DefaultMaxBacklog)
		if cfg.Source == playthrough.SourceExternal {
			subscriber = nats.NewFrameSubscriber(conn, cfg.DeviceID, player.RingBuffer())
		}
		if opts.publish {
			frames := nats.NewFramePublisher(conn, cfg.DeviceID, uuid.MustParse(player.SessionID()).ID())
			forwarder = nats.NewFrameForwarder(frames, cfg.Channels, audio.BytesPerSample, uint32(cfg.FramesPerBuffer), cfg.CapacityMultiplier)
			player.SetCaptureTap(forwarder)
			log.Printf("📡 Publishing captured frames to %s", nats.FramesSubject(cfg.DeviceID))
		}
	}

	if err := player.Start(ctx); err != nil {
		return fmt.Errorf("failed to start play-through: %w", err)
	}
	if subscriber != nil {
		if err := subscriber.Start(); err != nil {
			_ = player.Stop() // Ignore errors during cleanup
			return err
		}
	}

	eventsCtx, cancelEvents := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	if forwarder != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			forwarder.Run(eventsCtx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if publisher != nil {
			publisher.Run(eventsCtx, player.Events())
			return
		}
		logEvents(eventsCtx, player.Events())
	}()

	log.Println("🎤 Play-through active, press Ctrl+C to stop")
	logStatsUntilDone(ctx, player, opts.statsInterval)

	log.Println("🛑 Shutting down play-through...")
	if subscriber != nil {
		subscriber.Close()
		s := subscriber.Stats()
		log.Printf("📊 Frames received: blocks=%d stored=%d stale=%d mismatched=%d invalid=%d gaps=%d",
			s.Blocks, s.FramesStored, s.Stale, s.Mismatched, s.Invalid, s.SequenceGaps)
	}
	stopErr := player.Stop()

	cancelEvents()
	wg.Wait()
	if forwarder != nil {
		s := forwarder.Stats()
		log.Printf("📊 Frames sent: buffers=%d blocks=%d dropped=%d failed=%d", s.Queued, s.Blocks, s.Dropped, s.Failed)
	}
	if publisher != nil {
		s := publisher.Stats()
		log.Printf("📊 Events: published=%d failed=%d discarded=%d backlog=%d", s.Published, s.Failed, s.Discarded, s.Backlog)
	}

	if stopErr != nil {
		return fmt.Errorf("play-through failed: %w", stopErr)
	}
	return nil
}

// logStatsUntilDone returns when ctx is cancelled or the player's loops exit.
func logStatsUntilDone(ctx context.Context, player *playthrough.Player, interval time.Duration) {
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-player.Done():
			return
		case <-tick:
			s := player.Stats()
			log.Printf("📊 captured=%d rendered=%d underruns=%d drops=%d resyncs=%d offset=%d",
				s.FramesCaptured, s.FramesRendered, s.Underruns, s.Drops, s.Resyncs, s.Offset)
		}
	}
}

func logEvents(ctx context.Context, events <-chan playthrough.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			log.Printf("📣 %s", ev)
		}
	}
}
