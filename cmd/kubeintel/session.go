package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/kubeintel/kubeintel/internal/client"
	"github.com/kubeintel/kubeintel/internal/kubeconfig"
	"github.com/kubeintel/kubeintel/internal/protocol"
	"github.com/kubeintel/kubeintel/internal/statusbar"
	"github.com/kubeintel/kubeintel/internal/terminal"
)

// coordinates are the flags shared by every session command.
type coordinates struct {
	kubeconfig string
	context    string
	namespace  string
	container  string
}

func (c *coordinates) register(cmd *cobra.Command, scoped bool) {
	cmd.Flags().StringVar(&c.kubeconfig, "kubeconfig", "", "Path to the kubeconfig (default $KUBECONFIG or ~/.kube/config)")
	cmd.Flags().StringVar(&c.context, "context", "", "Kubeconfig context (default: current-context)")
	if scoped {
		cmd.Flags().StringVarP(&c.namespace, "namespace", "n", "", "Pod namespace")
		cmd.Flags().StringVarP(&c.container, "container", "c", "", "Container name")
	}
}

// resolve fills in the kubeconfig path and context defaults.
func (c *coordinates) resolve() error {
	if c.kubeconfig == "" {
		c.kubeconfig = defaultKubeconfig()
	}
	path, err := kubeconfig.Expand(c.kubeconfig)
	if err != nil {
		return err
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	c.kubeconfig = path
	if c.context == "" {
		f, err := kubeconfig.Load(path)
		if err != nil {
			return err
		}
		if f.CurrentContext == "" {
			return fmt.Errorf("no current-context in %s; pass --context", path)
		}
		c.context = f.CurrentContext
	}
	return nil
}

func defaultKubeconfig() string {
	if env := os.Getenv("KUBECONFIG"); env != "" {
		return filepath.SplitList(env)[0]
	}
	return "~/.kube/config"
}

// ---------------------------------------------------------------------------
// contextsCmd
// ---------------------------------------------------------------------------

func contextsCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "contexts",
		Short: "List the contexts defined in a kubeconfig",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				path = defaultKubeconfig()
			}
			f, err := kubeconfig.Load(path)
			if err != nil {
				return err
			}
			for _, name := range f.ContextNames() {
				ctx, _ := f.Context(name)
				marker := " "
				if name == f.CurrentContext {
					marker = "*"
				}
				fmt.Printf("%s %-30s %-30s %s\n", marker, name, ctx.Cluster, f.Server(ctx.Cluster))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "kubeconfig", "", "Path to the kubeconfig (default $KUBECONFIG or ~/.kube/config)")
	return cmd
}

// ---------------------------------------------------------------------------
// shellCmd
// ---------------------------------------------------------------------------

func shellCmd() *cobra.Command {
	var coords coordinates
	var shell string
	cmd := &cobra.Command{
		Use:   "shell <pod>",
		Short: "Open an interactive shell in a pod (Ctrl+] to quit)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !terminal.IsInteractive() {
				return terminal.ErrNotTerminal
			}
			if err := coords.resolve(); err != nil {
				return err
			}
			target, err := resolveTarget()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			tr, err := target.Connect(ctx)
			if err != nil {
				return err
			}
			defer tr.Close()

			req := &protocol.Request{
				Type:            protocol.TypePodShell,
				CredentialsPath: coords.kubeconfig,
				Context:         coords.context,
				PodName:         args[0],
				Namespace:       coords.namespace,
				Container:       coords.container,
				Shell:           shell,
			}
			cols, rows, err := terminal.Size()
			if err != nil {
				return fmt.Errorf("getting terminal size: %w", err)
			}
			bar := statusbar.NewWriter(os.Stdout, statusbar.New(args[0], coords.context, cols, rows))
			ptyCols, ptyRows := bar.Resize(cols, rows)
			req.Cols, req.Rows = &ptyCols, &ptyRows

			guard, err := terminal.EnableRawMode()
			if err != nil {
				return fmt.Errorf("enabling raw mode: %w", err)
			}
			defer guard.Restore()

			winch, stop := terminal.ResizeSignal()
			defer stop()
			sizes := make(chan client.Size, 1)
			go func() {
				ticker := time.NewTicker(10 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-winch:
						cols, rows, err := terminal.Size()
						if err != nil {
							continue
						}
						c, r := bar.Resize(cols, rows)
						select {
						case sizes <- client.Size{Cols: c, Rows: r}:
						case <-ctx.Done():
							return
						}
					case <-ticker.C:
						bar.Redraw()
					case <-ctx.Done():
						return
					}
				}
			}()

			res, err := client.Shell(ctx, tr, req, client.ShellIO{In: os.Stdin, Out: bar, Resize: sizes})
			cancel()
			status := "exited"
			if res.Quit {
				status = "disconnected"
			}
			bar.Close(status)
			guard.Restore()
			if err != nil {
				return err
			}
			if res.Quit {
				fmt.Fprintln(os.Stderr, "\r\n[kubeintel] disconnected")
				return nil
			}
			if res.Code != 0 {
				return &exitError{code: shellExitCode(res)}
			}
			return nil
		},
	}
	coords.register(cmd, true)
	cmd.Flags().StringVar(&shell, "shell", "", "Shell to exec in the container (default from gateway config)")
	return cmd
}

// shellExitCode maps a signalled shell to 128+n like a local shell would.
func shellExitCode(res client.ShellResult) int {
	if res.Code >= 0 {
		return res.Code
	}
	if res.Signal != "" {
		return 128 + signalNumber(res.Signal)
	}
	return 1
}

// ---------------------------------------------------------------------------
// logsCmd
// ---------------------------------------------------------------------------

func logsCmd() *cobra.Command {
	var coords coordinates
	var follow, noColor bool
	cmd := &cobra.Command{
		Use:   "logs <pod>",
		Short: "Stream a pod's logs through the gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := coords.resolve(); err != nil {
				return err
			}
			return runStream(&protocol.Request{
				Type:            protocol.TypePodLogs,
				CredentialsPath: coords.kubeconfig,
				Context:         coords.context,
				PodName:         args[0],
				Namespace:       coords.namespace,
				Container:       coords.container,
				Follow:          follow,
			}, noColor)
		},
	}
	coords.register(cmd, true)
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow log output")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "Strip terminal escape sequences")
	return cmd
}

// ---------------------------------------------------------------------------
// execCmd
// ---------------------------------------------------------------------------

func execCmd() *cobra.Command {
	var coords coordinates
	var noColor bool
	cmd := &cobra.Command{
		Use:   "exec -- <kubectl args...>",
		Short: "Run a one-shot kubectl command through the gateway",
		Example: strings.Join([]string{
			"  kubeintel exec -- get pods -A",
			"  kubeintel exec --context prod -- annotate pod web-0 note='two words'",
		}, "\n"),
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := coords.resolve(); err != nil {
				return err
			}
			return runStream(&protocol.Request{
				Type:            protocol.TypeKubectlCommand,
				CredentialsPath: coords.kubeconfig,
				Context:         coords.context,
				Args:            args,
			}, noColor)
		},
	}
	coords.register(cmd, false)
	cmd.Flags().BoolVar(&noColor, "no-color", false, "Strip terminal escape sequences")
	return cmd
}

func runStream(req *protocol.Request, noColor bool) error {
	target, err := resolveTarget()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	tr, err := target.Connect(ctx)
	if err != nil {
		return err
	}
	defer tr.Close()

	strip := noColor || !isatty.IsTerminal(os.Stdout.Fd())
	code, err := client.Stream(ctx, tr, req, client.StreamOptions{
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
		StripANSI: strip,
	})
	if err != nil {
		return err
	}
	if code != 0 {
		return &exitError{code: code}
	}
	return nil
}

// signalNumber resolves a name such as "SIGHUP", or 0 if unknown.
func signalNumber(name string) int {
	return int(unix.SignalNum(name))
}
