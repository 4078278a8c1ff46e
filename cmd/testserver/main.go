// testserver starts a Polymer API server with stub kernels for end-to-end
// testing. Super-resolution echoes the image with an "SR:" prefix and
// detection reports a "cat" in every frame whose content is "cat".
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/antchoi/Polymer/internal/api"
	"github.com/antchoi/Polymer/internal/detection"
	"github.com/antchoi/Polymer/internal/engine"
	"github.com/antchoi/Polymer/internal/kernel"
	"github.com/antchoi/Polymer/internal/pool"
	"github.com/antchoi/Polymer/internal/store"
	"github.com/antchoi/Polymer/internal/superres"
)

const stubDelay = 200 * time.Millisecond

func stubUpscaler() kernel.Kernel[superres.Input, superres.Output] {
	return kernel.Funcs[superres.Input, superres.Output]{
		InvokeFunc: func(_ context.Context, in superres.Input) (superres.Output, error) {
			time.Sleep(stubDelay)
			return superres.Output{Image: append([]byte("SR:"), in.Image...)}, nil
		},
	}
}

func stubDetector() kernel.Kernel[detection.Input, detection.Output] {
	return kernel.Funcs[detection.Input, detection.Output]{
		InvokeFunc: func(_ context.Context, in detection.Input) (detection.Output, error) {
			time.Sleep(stubDelay)
			frames := in.Images
			if in.Kind == detection.KindVideo {
				frames = [][]byte{[]byte("cat"), []byte("dog")}
			}

			out := detection.Output{Frames: make([]detection.Frame, len(frames))}
			for i, f := range frames {
				out.Frames[i] = detection.Frame{Index: i, Patches: []detection.Patch{}}
				if string(f) == "cat" {
					out.Frames[i].Patches = append(out.Frames[i].Patches, detection.Patch{
						Box:       detection.Box{X2: 10, Y2: 10},
						ClassID:   15,
						Score:     0.99,
						ClassName: "cat",
					})
				}
			}
			return out, nil
		},
	}
}

func main() {
	addr := ":8080"
	if v := os.Getenv("POLYMER_LISTEN_ADDR"); v != "" {
		addr = v
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	srManager, err := pool.NewManager(pool.Config{Capability: superres.Capability, Workers: 2, Logger: logger}, stubUpscaler)
	if err != nil {
		log.Fatalf("create pool: %v", err)
	}
	detManager, err := pool.NewManager(pool.Config{Capability: detection.Capability, Workers: 2, Logger: logger}, stubDetector)
	if err != nil {
		log.Fatalf("create pool: %v", err)
	}

	opts := engine.Options{Recorder: db}
	srEngine := engine.NewEngine(srManager, opts, logger)
	detEngine := engine.NewEngine(detManager, opts, logger)

	reg := engine.NewRegistry()
	reg.Register(srEngine)
	reg.Register(detEngine)

	srv := api.NewServer(api.Options{
		Addr:      addr,
		Store:     db,
		Registry:  reg,
		SuperRes:  srEngine,
		Detection: detEngine,
		Logger:    logger,
	})

	logger.Info("testserver: starting", "addr", addr)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
