package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"duocall/native/internal/api"
	"duocall/native/internal/call"
	"duocall/native/internal/config"
	"duocall/native/internal/domain"
	"duocall/native/internal/logging"
	"duocall/native/internal/media"
	"duocall/native/internal/relay"
	sigclient "duocall/native/internal/signal"
	"duocall/native/internal/webrtc"
)

const recorderDrainTimeout = 2 * time.Second

// session wires one relay connection to one call component.
type session struct {
	relay    *relay.Client
	call     *call.Call
	recorder *media.Recorder
	log      *slog.Logger

	closeOnce sync.Once
}

func newSession(ctx context.Context, cfg *config.Config, logger *slog.Logger, onEvent func(call.Event)) (*session, error) {
	// Step 1: resolve ICE servers
	if cfg.ICEServersURL != "" {
		fetched, err := api.NewClient(nil).FetchICEServers(ctx, cfg.ICEServersURL)
		if err != nil {
			return nil, fmt.Errorf("fetch ice servers: %w", err)
		}
		cfg.ICEServers = append(cfg.ICEServers, fetched...)
	}
	if err := cfg.CheckRelay(); err != nil {
		return nil, err
	}

	// Step 2: relay client and signaling on top of it
	rc, err := relay.New(relay.Options{
		URL:          cfg.SignalURL,
		Path:         cfg.SignalPath,
		Transports:   cfg.Transports,
		Timeout:      cfg.RelayTimeout,
		Reconnection: cfg.Reconnect,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("relay: %w", err)
	}
	sig := sigclient.NewClient(rc, logger)

	// Step 3: peer connection factory, one peer per join
	pionAPI, err := webrtc.NewAPI(webrtc.APIOptions{LoggerFactory: logging.PionFactory{Logger: logger}})
	if err != nil {
		return nil, err
	}
	newPeer := webrtc.NewFactory(pionAPI, webrtc.Config{
		ICEServers:         cfg.ICEServers,
		ICETransportPolicy: cfg.ICETransportPolicy(),
		Name:               cfg.Name,
		Version:            Version,
		Logger:             logger,
	})

	// Step 4: the call component with local and remote media
	rec := media.NewRecorder(cfg.RecordDir, logger)
	c := call.New(call.Options{
		Signaler: sig,
		NewPeer:  newPeer,
		Devices: &media.Devices{
			VideoSource: cfg.VideoSource,
			AudioSource: cfg.AudioSource,
			Logger:      logger,
		},
		Constraints: domain.Constraints{Video: cfg.HasVideo(), Audio: cfg.HasAudio()},
		Remote:      rec,
		OnEvent:     onEvent,
		Logger:      logger,
	})
	c.Mount()

	log := logger.With("component", "session")
	rc.On(relay.EventConnect, func([]json.RawMessage) {
		log.Info("relay connected", "id", rc.ID(), "transport", rc.Transport())
	})
	rc.On(relay.EventDisconnect, func(args []json.RawMessage) {
		var reason string
		if len(args) > 0 {
			_ = json.Unmarshal(args[0], &reason)
		}
		log.Warn("relay disconnected", "reason", reason)
	})

	// Step 5: connect the relay; later drops reconnect in the background
	if err := rc.Connect(ctx); err != nil {
		c.Unmount()
		rc.Close()
		return nil, fmt.Errorf("connect to relay %s: %w", cfg.SignalURL, err)
	}

	return &session{relay: rc, call: c, recorder: rec, log: log}, nil
}

// Close leaves the call, disconnects from the relay and gives the recorder a
// moment to finish its files.
func (s *session) Close() {
	s.closeOnce.Do(func() {
		s.call.Leave()
		s.call.Unmount()
		if err := s.relay.Close(); err != nil {
			s.log.Debug("close relay", "err", err)
		}

		done := make(chan struct{})
		go func() {
			s.recorder.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(recorderDrainTimeout):
			s.log.Warn("recorder still writing after leave")
		}
	})
}
