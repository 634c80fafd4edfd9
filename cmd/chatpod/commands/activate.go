package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/murmulab/chatpod/pkg/chatpod"
	"github.com/murmulab/chatpod/pkg/cli"
	"github.com/murmulab/chatpod/pkg/devstore"
	"github.com/murmulab/chatpod/pkg/kv"
)

var activateContextName string

var activateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Register this device with the provisioning server",
	Long: `Run the activation handshake standalone.

The device proves its identity with an HMAC challenge and polls until
the verification code has been entered on the server's device page. The
resulting credential is cached on disk; 'chatpod run' activates on
demand, so this command is only needed to pre-register a pod.

Requires activation_url in the context's pod.yaml:
  chatpod config set dev pod activation_url https://pods.example.com`,
	RunE: runActivate,
}

func init() {
	activateCmd.Flags().StringVarP(&activateContextName, "context", "c", "", "context name to use")
	rootCmd.AddCommand(activateCmd)
}

// openDeviceStore opens the identity and credential store shared by all
// contexts. The caller closes the returned database.
func openDeviceStore(cfg *cli.Config) (*devstore.Store, *kv.Badger, error) {
	db, err := kv.NewBadger(kv.BadgerOptions{Dir: cfg.DeviceDir()})
	if err != nil {
		return nil, nil, fmt.Errorf("open device store: %w", err)
	}
	return devstore.New(db), db, nil
}

func runActivate(cmd *cobra.Command, args []string) error {
	cfg, err := GetConfig()
	if err != nil {
		return err
	}
	svc, err := loadPodConfig(cfg, activateContextName)
	if err != nil {
		return err
	}
	if svc.ActivationURL == "" {
		return fmt.Errorf("activation_url is not configured:\n" +
			"  chatpod config set <context> pod activation_url https://pods.example.com")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, db, err := openDeviceStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	identity, err := store.LoadOrCreateIdentity(ctx)
	if err != nil {
		return err
	}
	cli.PrintInfo("device %s (serial %s)", identity.MAC, identity.Serial)

	styles := cli.NewStyles(cli.DefaultTheme)
	activator := &chatpod.Activator{
		Endpoint: svc.ActivationURL,
		Store:    store,
		Identity: identity,
		OnVerificationCode: func(code, url string) {
			fmt.Println()
			fmt.Println(styles.Title.Render("  Verification code: " + code))
			if url != "" {
				fmt.Println(styles.Help.Render("  Enter it at " + url))
			}
			fmt.Println()
		},
	}

	cred, err := activator.EnsureCredential(ctx)
	if err != nil {
		return err
	}
	if cred.ExpiresAt.IsZero() {
		cli.PrintSuccess("device activated")
	} else {
		cli.PrintSuccess("device activated; credential expires %s",
			cred.ExpiresAt.Time().Format(time.RFC3339))
	}
	return nil
}
