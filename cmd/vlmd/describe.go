package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"vlmd/internal/httpapi"
	"vlmd/internal/imageproc"
	"vlmd/internal/manager"
	"vlmd/internal/prompt"
	"vlmd/pkg/types"
)

func buildDescribeCmd(opts *cliOptions) *cobra.Command {
	var imagePath string

	cmd := &cobra.Command{
		Use:   "describe [instruction...]",
		Short: "Generate a response to an instruction, optionally about an image",
		Example: "  vlmd describe --image photo.jpg \"What is in this picture?\"\n" +
			"  vlmd describe \"Write a haiku about autumn\"",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolve()
			if err != nil {
				return err
			}
			log := newLogger(cfg.LogLevel)

			assets, err := resolveAssets(&cfg)
			if err != nil {
				return err
			}

			instruction := strings.Join(args, " ")
			var images []*imageproc.PreprocessedImage
			if imagePath != "" {
				pre, err := imageproc.PreprocessFile(imagePath, cfg.TargetSize)
				if err != nil {
					return fmt.Errorf("preprocess image: %w", err)
				}
				log.Debug().
					Int("width", pre.Width).Int("height", pre.Height).
					Float64("scale", pre.Scale).
					Msg("image preprocessed")
				images = append(images, pre)
			}
			p, err := prompt.Build(instruction, images...)
			if err != nil {
				return err
			}

			mgr := manager.New(manager.ManagerConfig{
				ModelPath:     cfg.ModelPath,
				ProjectorPath: cfg.ProjectorPath,
				Model: types.ModelConfig{
					ContextSize: cfg.ContextSize,
					ThreadCount: cfg.ThreadCount,
					UseGPU:      cfg.UseGPU,
					MaxTokens:   cfg.MaxTokens,
				},
				Logger:    log,
				Publisher: logPublisher{log: log},
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			g, gctx := errgroup.WithContext(ctx)
			if cfg.DebugAddr != "" {
				g.Go(func() error {
					return serveDebug(gctx, cfg.DebugAddr, mgr, assets, log)
				})
			}

			g.Go(func() error {
				defer stop()
				res, err := mgr.Load(gctx)
				if err != nil {
					return fmt.Errorf("load model: %w", err)
				}
				defer func() { _ = mgr.Close() }()
				if res.GPUFallback {
					log.Warn().Msg("GPU requested but unavailable, running on CPU")
				}

				st, err := mgr.Generate(gctx, p)
				if err != nil {
					return fmt.Errorf("generate: %w", err)
				}
				return streamToStdout(gctx, st)
			})

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&imagePath, "image", "i", "", "Image file (png, jpeg, gif, bmp, tiff, webp)")
	return cmd
}

// streamToStdout prints token text as it arrives and terminates the line
// once the stream ends. An interrupt cancels the decode loop cleanly.
func streamToStdout(ctx context.Context, st *manager.Stream) error {
	for {
		ev, err := st.Recv(ctx)
		if errors.Is(err, io.EOF) {
			fmt.Println()
			return nil
		}
		if errors.Is(err, context.Canceled) {
			// Interrupted: stop the decode loop and drain to the final event.
			st.Cancel()
			<-st.Done()
			fmt.Println()
			return nil
		}
		if err != nil {
			return err
		}
		if ev.Final {
			continue
		}
		fmt.Print(ev.Text)
	}
}

// serveDebug runs the local observability endpoint until ctx is done.
func serveDebug(ctx context.Context, addr string, mgr *manager.Manager, assets []types.Asset, log zerolog.Logger) error {
	httpapi.SetLogger(log)
	srv := &http.Server{Addr: addr, Handler: httpapi.NewMux(&debugService{mgr: mgr, assets: assets})}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("debug endpoint listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("debug endpoint shutdown")
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// debugService adapts the manager to the httpapi.Service interface.
type debugService struct {
	mgr    *manager.Manager
	assets []types.Asset
}

func (s *debugService) Status() types.StatusResponse { return s.mgr.Status() }
func (s *debugService) Assets() []types.Asset        { return s.assets }
func (s *debugService) Ready() bool                  { return s.mgr.IsLoaded() }
