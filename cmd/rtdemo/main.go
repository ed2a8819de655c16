// Command rtdemo renders the three-instance ray tracing scene on the
// software device and writes the last frame as a PNG.
//
// With -watch it keeps rendering and rebuilds the pipeline whenever the
// shader library file changes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/image/draw"

	"github.com/gogpu/rt"
	"github.com/gogpu/rt/config"
	"github.com/gogpu/rt/device"
	"github.com/gogpu/rt/device/soft"
	"github.com/gogpu/rt/renderer"
	"github.com/gogpu/rt/shader"
	"github.com/gogpu/rt/watch"
)

func main() {
	var (
		configPath = flag.String("config", "", "scene configuration (.toml or .yaml)")
		frames     = flag.Int("frames", 0, "frames to render (0: from config)")
		width      = flag.Uint("width", 0, "output width (0: from config)")
		height     = flag.Uint("height", 0, "output height (0: from config)")
		output     = flag.String("output", "", "output PNG (empty: from config)")
		scale      = flag.Int("scale", 1, "upscale factor of the written image")
		debug      = flag.Bool("debug", false, "debug logging and a shader table dump")
		watchLib   = flag.Bool("watch", false, "render until interrupted, rebuilding on shader changes")
		saveConfig = flag.String("save-config", "", "write the effective configuration and exit")
	)
	flag.Parse()

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
		Prefix:          "rtdemo",
	})
	if *debug {
		logger.SetLevel(log.DebugLevel)
	}
	rt.SetLogger(slog.New(logger))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Fatal("load configuration", "err", err)
	}
	if *frames > 0 {
		cfg.Frames = *frames
	}
	if *width > 0 {
		cfg.Output.Width = uint32(*width)
	}
	if *height > 0 {
		cfg.Output.Height = uint32(*height)
	}
	if *output != "" {
		cfg.Output.Path = *output
	}
	if *saveConfig != "" {
		if err := cfg.Save(*saveConfig); err != nil {
			logger.Fatal("save configuration", "err", err)
		}
		logger.Info("configuration saved", "path", *saveConfig)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg, *watchLib, *debug, *scale); err != nil {
		logger.Fatal("render", "err", err)
	}
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func run(ctx context.Context, cfg config.Config, watchLib, debug bool, scale int) error {
	opts := soft.Options{
		RayTypes:     cfg.Pipeline.RayTypes,
		Latency:      time.Duration(cfg.Device.Latency),
		MemoryBudget: cfg.Device.MemoryBudget,
	}
	r, err := renderer.New(ctx, renderer.Options{
		Config: cfg,
		NewDevice: func() (device.Device, error) {
			return soft.New(opts), nil
		},
	})
	if err != nil {
		return err
	}
	defer r.Close()

	if debug {
		if err := r.Describe(os.Stderr); err != nil {
			return err
		}
	}

	if watchLib {
		if err := watchAndRender(ctx, r, cfg); err != nil {
			return err
		}
	} else {
		const dt = time.Second / 60
		for i := 0; i < cfg.Frames; i++ {
			if err := r.Frame(ctx, dt); err != nil {
				return fmt.Errorf("frame %d: %w", i, err)
			}
		}
	}

	img, err := r.Image(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	if err := writePNG(cfg.Output.Path, img, scale); err != nil {
		return err
	}
	rt.Logger().Info("frame written", "path", cfg.Output.Path, "stats", r.Stats().String())
	return nil
}

// watchAndRender renders frames until ctx is cancelled and rebuilds the
// pipeline when the shader library changes.
func watchAndRender(ctx context.Context, r *renderer.Renderer, cfg config.Config) error {
	path := cfg.Shaders.Library
	if path == "" {
		return errors.New("-watch needs shaders.library in the configuration")
	}
	w, err := watch.New([]string{path}, watch.DefaultDebounce, func(ctx context.Context, _ []string) error {
		src, err := shader.Load(path)
		if err != nil {
			return err
		}
		return r.Rebuild(ctx, src)
	})
	if err != nil {
		return err
	}
	defer w.Close()
	go func() {
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			rt.Logger().Warn("watcher stopped", "err", err)
		}
	}()

	ticker := time.NewTicker(time.Second / 30)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			started, failed := w.Calls()
			rt.Logger().Info("watch finished", "rebuilds", started, "failed", failed)
			return nil
		case now := <-ticker.C:
			if err := r.Frame(ctx, now.Sub(last)); err != nil {
				if errors.Is(err, context.Canceled) {
					continue
				}
				return err
			}
			last = now
		}
	}
}

func writePNG(path string, img *image.RGBA, scale int) error {
	var out image.Image = img
	if scale > 1 {
		b := img.Bounds()
		dst := image.NewRGBA(image.Rect(0, 0, b.Dx()*scale, b.Dy()*scale))
		draw.NearestNeighbor.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
		out = dst
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, out); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
