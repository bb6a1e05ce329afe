package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/oauth2"
	"golang.org/x/term"

	"github.com/florianilch/polybridge/internal/account"
	"github.com/florianilch/polybridge/internal/config"
	"github.com/florianilch/polybridge/internal/persist"
	"github.com/florianilch/polybridge/internal/quota"
	"github.com/florianilch/polybridge/internal/secret"
	"github.com/florianilch/polybridge/internal/tokensource"
)

// accountsCommand returns the 'accounts' subcommand for managing provider
// credentials.
func accountsCommand() *cli.Command {
	return &cli.Command{
		Name:  "accounts",
		Usage: "Manage provider credentials",
		Commands: []*cli.Command{
			accountsListCommand(),
			accountsAddCommand(),
			accountsRemoveCommand(),
			accountsSwitchCommand(),
			accountsLoginCommand(),
		},
	}
}

// stores opens the durable stores the account commands operate on. The
// returned closer must run before the command exits.
type stores struct {
	registry *account.Registry
	quotas   *quota.Store
	close    func() error
}

func openStores(ctx context.Context, cmd *cli.Command) (*stores, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o700); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	store, err := persist.OpenSQLite(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}

	quotas, err := quota.NewStore(ctx, store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("loading quota state: %w", err)
	}
	registry, err := account.NewRegistry(ctx, store, secret.NewKeyringStore(), quotas)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("loading account registry: %w", err)
	}

	return &stores{registry: registry, quotas: quotas, close: store.Close}, nil
}

func accountsListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List registered credentials",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "provider", Usage: "filter by provider"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			s, err := openStores(ctx, cmd)
			if err != nil {
				return err
			}
			defer s.close()

			accounts := s.registry.List(cmd.String("provider"))
			if len(accounts) == 0 {
				fmt.Println("No credentials registered")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tPROVIDER\tAUTH\tSTATUS\tDEFAULT\tCOOLDOWN")
			for _, acct := range accounts {
				cooldown := "-"
				if s.quotas.InCooldown(acct.ID) {
					cooldown = s.quotas.RemainingCooldown(acct.ID).Round(time.Second).String()
				}
				isDefault := ""
				if acct.IsDefault {
					isDefault = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					acct.ID, acct.Name, acct.Provider, acct.AuthKind, acct.Status, isDefault, cooldown)
			}
			return w.Flush()
		},
	}
}

func accountsAddCommand() *cli.Command {
	return &cli.Command{
		Name:  "add",
		Usage: "Register an API key or token credential",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "provider", Usage: "provider name", Required: true},
			&cli.StringFlag{Name: "name", Usage: "display name"},
			&cli.StringFlag{Name: "auth", Usage: "auth kind (api-key|token)", Value: "api-key"},
			&cli.StringFlag{Name: "email", Usage: "account email, informational"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			kind := account.AuthKind(cmd.String("auth"))
			if kind != account.AuthAPIKey && kind != account.AuthToken {
				return fmt.Errorf("unsupported auth kind %q (use 'accounts login' for oauth)", kind)
			}

			material, err := readSecureInput(ctx, "Enter secret: ")
			if err != nil {
				return err
			}
			if material == "" {
				return fmt.Errorf("secret cannot be empty")
			}

			s, err := openStores(ctx, cmd)
			if err != nil {
				return err
			}
			defer s.close()

			acct, err := s.registry.Add(ctx, account.AddInput{
				Name:     cmd.String("name"),
				Provider: cmd.String("provider"),
				AuthKind: kind,
				Email:    cmd.String("email"),
				Secret:   material,
			})
			if err != nil {
				return fmt.Errorf("failed to add credential: %w", err)
			}

			fmt.Printf("Added credential %s (%s)\n", acct.ID, acct.Name)
			if acct.IsDefault {
				fmt.Println("It is now the default for its provider")
			}
			return nil
		},
	}
}

func accountsRemoveCommand() *cli.Command {
	return &cli.Command{
		Name:      "remove",
		Usage:     "Remove a credential and its secret material",
		ArgsUsage: "<credential-id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id := cmd.Args().First()
			if id == "" {
				return fmt.Errorf("credential id is required")
			}

			s, err := openStores(ctx, cmd)
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.registry.Remove(ctx, id); err != nil {
				return err
			}
			s.quotas.Remove(ctx, id)

			fmt.Printf("Removed credential %s\n", id)
			return nil
		},
	}
}

func accountsSwitchCommand() *cli.Command {
	return &cli.Command{
		Name:      "switch",
		Usage:     "Make a credential its provider's default",
		ArgsUsage: "<credential-id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id := cmd.Args().First()
			if id == "" {
				return fmt.Errorf("credential id is required")
			}

			s, err := openStores(ctx, cmd)
			if err != nil {
				return err
			}
			defer s.close()

			acct, ok := s.registry.Get(id)
			if !ok {
				return fmt.Errorf("credential %s: %w", id, account.ErrNotFound)
			}
			if err := s.registry.SwitchActive(ctx, acct.Provider, id); err != nil {
				return err
			}

			fmt.Printf("Credential %s is now the default for %s\n", id, acct.Provider)
			return nil
		},
	}
}

func accountsLoginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "Login with OAuth and register the credential",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "provider", Usage: "provider name", Value: "anthropic"},
			&cli.StringFlag{Name: "name", Usage: "display name"},
			&cli.StringFlag{Name: "email", Usage: "account email, informational"},
		},
		Action: accountsLoginAction,
	}
}

// accountsLoginAction runs the OAuth authorization flow and stores the full
// token document as the credential's secret material.
func accountsLoginAction(ctx context.Context, cmd *cli.Command) error {
	provider := cmd.String("provider")
	if provider != "anthropic" {
		return fmt.Errorf("oauth login is only supported for anthropic")
	}

	token, err := runOAuthFlow(ctx, tokensource.AnthropicApp())
	if err != nil {
		return fmt.Errorf("oauth login failed: %w", err)
	}

	material, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}

	s, err := openStores(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.close()

	acct, err := s.registry.Add(ctx, account.AddInput{
		Name:      cmd.String("name"),
		Provider:  provider,
		AuthKind:  account.AuthOAuth,
		Email:     cmd.String("email"),
		Secret:    string(material),
		ExpiresAt: token.Expiry,
	})
	if err != nil {
		return fmt.Errorf("failed to add credential: %w", err)
	}

	fmt.Println()
	fmt.Println("=== Login Successful ===")
	fmt.Printf("Credential %s saved\n", acct.ID)
	if acct.IsDefault {
		fmt.Println("It is now the default for its provider")
	}
	return nil
}

// runOAuthFlow walks the user through the browser authorization and
// exchanges the pasted code for tokens.
func runOAuthFlow(ctx context.Context, app tokensource.Config) (*oauth2.Token, error) {
	authorizer := tokensource.NewAuthorizer(app)

	verifier := oauth2.GenerateVerifier()
	authURL := authorizer.AuthCodeURL(verifier)

	fmt.Println("=== OAuth Login ===")
	fmt.Println()
	fmt.Printf("1. Visit this URL in your browser:\n   %s\n\n", authURL)
	fmt.Println("2. Authorize the application")
	fmt.Println("3. Paste the authorization code")

	code, err := readSecureInput(ctx, "\nEnter authorization code: ")
	if err != nil {
		return nil, err
	}
	if code == "" {
		return nil, fmt.Errorf("authorization code cannot be empty")
	}

	return authorizer.Exchange(ctx, code, verifier)
}

// readSecureInput reads user input with hidden display and context
// cancellation support. The goroutine+select pattern is needed because
// term.ReadPassword has no native context support.
func readSecureInput(ctx context.Context, prompt string) (string, error) {
	fmt.Print(prompt)
	defer fmt.Println()

	type result struct {
		value string
		err   error
	}
	resultCh := make(chan result, 1)

	go func() {
		inputBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		resultCh <- result{value: string(inputBytes), err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-resultCh:
		if res.err != nil {
			return "", fmt.Errorf("failed to read input: %w", res.err)
		}
		return res.value, nil
	}
}
