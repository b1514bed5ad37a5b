package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/mediaguard/internal/app"
	"github.com/dharsanguruparan/mediaguard/internal/config"
	"github.com/dharsanguruparan/mediaguard/internal/gate"
	"github.com/dharsanguruparan/mediaguard/internal/imaging"
	"github.com/dharsanguruparan/mediaguard/internal/mediaurl"
	"github.com/dharsanguruparan/mediaguard/internal/session"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "mediaguard: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mediaguard",
		Short: "Signed media URL tooling",
		Long: `mediaguard signs and verifies protected media URLs, generates secrets and
session tokens, and runs the server or worker in-process. Settings come from
the same MEDIAGUARD_* environment variables the services read.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newSignCmd(),
		newVerifyCmd(),
		newSecretCmd(),
		newSessionCmd(),
		newRunCmd(),
	)
	return cmd
}

// loadSigningConfig refuses to sign with a throwaway secret.
func loadSigningConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.SecretGenerated {
		return nil, errors.New("MEDIAGUARD_SECRET is not set")
	}
	return cfg, nil
}

type signFlags struct {
	width, height, quality int
	mode, anchor           string
	crop, format           string
	furtherOptions         string
	cacheBuster            string
	cropsFile              string
	preferFocalPoint       bool
	useCropDimensions      bool
}

func (f signFlags) request() (mediaurl.Request, error) {
	mode, err := imaging.ParseCropMode(f.mode)
	if err != nil {
		return mediaurl.Request{}, err
	}
	anchor, err := imaging.ParseCropAnchor(f.anchor)
	if err != nil {
		return mediaurl.Request{}, err
	}
	return mediaurl.Request{
		Width:             f.width,
		Height:            f.height,
		Quality:           f.quality,
		Mode:              mode,
		Anchor:            anchor,
		CropAlias:         f.crop,
		Format:            f.format,
		FurtherOptions:    f.furtherOptions,
		CacheBuster:       f.cacheBuster,
		PreferFocalPoint:  f.preferFocalPoint,
		UseCropDimensions: f.useCropDimensions,
	}, nil
}

func newSignCmd() *cobra.Command {
	var f signFlags
	cmd := &cobra.Command{
		Use:   "sign <media-url>",
		Short: "Print a signed URL for a media path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadSigningConfig()
			if err != nil {
				return err
			}
			req, err := f.request()
			if err != nil {
				return err
			}
			var cropJSON string
			if f.cropsFile != "" {
				data, err := os.ReadFile(f.cropsFile)
				if err != nil {
					return fmt.Errorf("read crops: %w", err)
				}
				cropJSON = string(data)
			}
			logger := app.NewLogger(cfg, cmd.ErrOrStderr())
			signer := mediaurl.NewSigner(config.Static(cfg.Protection), nil, logger)
			signed, ok := signer.SignURLWithCropJSON(args[0], cropJSON, req)
			if !ok {
				return errors.New("nothing to sign for that url and crop")
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.IntVar(&f.width, "width", 0, "Output width in pixels")
	fl.IntVar(&f.height, "height", 0, "Output height in pixels")
	fl.IntVar(&f.quality, "quality", 0, "Encoder quality (1-100)")
	fl.StringVar(&f.mode, "mode", "", "Resize mode: crop, pad, boxpad, min, max or stretch")
	fl.StringVar(&f.anchor, "anchor", "", "Crop anchor, e.g. center or topleft")
	fl.StringVar(&f.crop, "crop", "", "Crop alias from the crops file")
	fl.StringVar(&f.format, "format", "", "Output format: jpg, png or gif")
	fl.StringVar(&f.furtherOptions, "further-options", "", "Raw query appended to the URL")
	fl.StringVar(&f.cacheBuster, "cache-buster", "", "Value for the v parameter")
	fl.StringVar(&f.cropsFile, "crops", "", "File holding image cropper JSON")
	fl.BoolVar(&f.preferFocalPoint, "prefer-focal-point", false, "Use the focal point instead of crop coordinates")
	fl.BoolVar(&f.useCropDimensions, "use-crop-dimensions", false, "Take width and height from the crop")
	return cmd
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <signed-url>",
		Short: "Check a signed URL against the configured secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadSigningConfig()
			if err != nil {
				return err
			}
			logger := app.NewLogger(cfg, cmd.ErrOrStderr())
			if !gate.Enforce(cfg.Protection, logger).VerifyURL(args[0]) {
				return errors.New("signature does not verify")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Secret helpers",
	}
	var size int
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Print a random hex secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeSecret(cmd.OutOrStdout(), rand.Reader, size)
		},
	}
	generate.Flags().IntVar(&size, "bytes", 32, "Number of random bytes")
	cmd.AddCommand(generate)
	return cmd
}

func writeSecret(w io.Writer, src io.Reader, size int) error {
	if size < 16 {
		return fmt.Errorf("secret must be at least 16 bytes, got %d", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(src, buf); err != nil {
		return fmt.Errorf("read random: %w", err)
	}
	_, err := fmt.Fprintln(w, hex.EncodeToString(buf))
	return err
}

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Session token helpers",
	}
	var (
		role string
		ttl  time.Duration
	)
	issue := &cobra.Command{
		Use:   "issue <name>",
		Short: "Print a session token for the configured cookie",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if len(cfg.SessionSecret) == 0 {
				return errors.New("MEDIAGUARD_SESSION_SECRET is not set")
			}
			token, err := session.Issue(cfg.SessionSecret, args[0], role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", cfg.SessionCookie, token)
			return nil
		},
	}
	issue.Flags().StringVar(&role, "role", "admin", "Role claim")
	issue.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	cmd.AddCommand(issue)
	return cmd
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a service in this process",
	}
	cmd.AddCommand(
		newServiceRunner("server", "HTTP server", app.RunServer),
		newServiceRunner("worker", "Redis warm worker", app.RunWorker),
	)
	return cmd
}

func newServiceRunner(name, short string, run func(context.Context, *app.Stack) error) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			stack, err := app.Build(ctx, cfg, app.NewLogger(cfg, cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer stack.Close()
			return run(ctx, stack)
		},
	}
}
