package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kalambet/slashprofile/internal/config"
	"github.com/kalambet/slashprofile/internal/drive"
	"github.com/kalambet/slashprofile/internal/profile"
	"github.com/kalambet/slashprofile/internal/slashtags"
)

// --- profile ---

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage the profile",
}

var profileShowCmd = &cobra.Command{
	Use:   "show [slash-url]",
	Short: "Show a profile as JSON",
	Long: `Show the local profile, or the profile of another drive.

Examples:
  slashprofile profile show
  slashprofile profile show slash:9f2c...
  slashprofile profile show --raw`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetBool("raw")

		q := url.Values{}
		if len(args) == 1 {
			q.Set("url", args[0])
		}
		if raw {
			q.Set("raw", "true")
		}
		path := "/profile"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var p any
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}
		return writeIndented(cmd.OutOrStdout(), p)
	},
}

var profileCreateCmd = &cobra.Command{
	Use:   "create [file|-]",
	Short: "Publish a new profile",
	Long: `Publish a profile from a JSON file, stdin ("-") or flags.

Examples:
  slashprofile profile create profile.json
  slashprofile profile create --name Alice --bio "Go developer" --link site=https://alice.dev`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeProfile(cmd, args, true)
	},
}

var profileUpdateCmd = &cobra.Command{
	Use:   "update [file|-]",
	Short: "Replace the profile",
	Long: `Replace the profile with a JSON file, stdin ("-") or flags. The whole
document is replaced; fields not given are removed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeProfile(cmd, args, false)
	},
}

var profileDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete the profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			return fmt.Errorf("use --confirm to delete the profile")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/profile")
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}

		printSuccess("Profile deleted")
		return nil
	},
}

var profileValidateCmd = &cobra.Command{
	Use:   "validate <file|->",
	Short: "Check a profile document against the schema",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readInput(cmd.InOrStdin(), args[0])
		if err != nil {
			return err
		}
		if err := profile.DefaultCodec().Validate(json.RawMessage(data)); err != nil {
			return err
		}
		printSuccess("%s is a valid profile", inputName(args[0]))
		return nil
	},
}

var profileSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the profile JSON schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := profile.SchemaJSON()
		if err != nil {
			return err
		}
		var schema any
		if err := json.Unmarshal(b, &schema); err != nil {
			return err
		}
		return writeIndented(cmd.OutOrStdout(), schema)
	},
}

var profileEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open the profile JSON in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = "vi"
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var current any = map[string]any{}
		resp, err := client.get(cmd.Context(), "/profile")
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
		} else if err := decodeJSON(resp, &current); err != nil {
			return err
		}

		data, err := json.MarshalIndent(current, "", "  ")
		if err != nil {
			return err
		}

		tmpFile, err := os.CreateTemp("", "slashprofile-*.json")
		if err != nil {
			return fmt.Errorf("creating temp file: %w", err)
		}
		tmpPath := tmpFile.Name()
		defer os.Remove(tmpPath)

		if _, err := tmpFile.Write(data); err != nil {
			tmpFile.Close()
			return err
		}
		tmpFile.Close()

		edit := exec.Command(editor, tmpPath)
		edit.Stdin = os.Stdin
		edit.Stdout = os.Stdout
		edit.Stderr = os.Stderr
		if err := edit.Run(); err != nil {
			return fmt.Errorf("editor exited with error: %w", err)
		}

		edited, err := os.ReadFile(tmpPath)
		if err != nil {
			return err
		}
		if !json.Valid(edited) {
			return fmt.Errorf("edited profile is not valid JSON")
		}

		resp, err = client.put(cmd.Context(), "/profile", json.RawMessage(edited))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Profile updated")
		return nil
	},
}

var profileWatchCmd = &cobra.Command{
	Use:   "watch [slash-url]",
	Short: "Print a profile every time it changes",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		d, err := openWatchDrive(ctx, cfg)
		if err != nil {
			return err
		}

		target := ""
		if len(args) == 1 {
			target = args[0]
		}
		return watchProfile(ctx, cmd.OutOrStdout(), slashtags.New(d, nil), target)
	},
}

func init() {
	profileShowCmd.Flags().Bool("raw", false, "print the stored document as-is")
	for _, c := range []*cobra.Command{profileCreateCmd, profileUpdateCmd} {
		c.Flags().String("name", "", "display name")
		c.Flags().String("bio", "", "short bio")
		c.Flags().String("image", "", "image URL or data URI")
		c.Flags().StringArray("link", nil, "link as title=url (repeatable)")
	}
	profileDeleteCmd.Flags().Bool("confirm", false, "confirm profile deletion")

	profileCmd.AddCommand(profileShowCmd)
	profileCmd.AddCommand(profileCreateCmd)
	profileCmd.AddCommand(profileUpdateCmd)
	profileCmd.AddCommand(profileDeleteCmd)
	profileCmd.AddCommand(profileValidateCmd)
	profileCmd.AddCommand(profileSchemaCmd)
	profileCmd.AddCommand(profileEditCmd)
	profileCmd.AddCommand(profileWatchCmd)
}

func writeProfile(cmd *cobra.Command, args []string, create bool) error {
	var body json.RawMessage
	if len(args) == 1 {
		data, err := readInput(cmd.InOrStdin(), args[0])
		if err != nil {
			return err
		}
		if !json.Valid(data) {
			return fmt.Errorf("%s is not valid JSON", inputName(args[0]))
		}
		body = data
	} else {
		p, err := profileFromFlags(cmd)
		if err != nil {
			return err
		}
		b, err := json.Marshal(p)
		if err != nil {
			return err
		}
		body = b
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}

	var resp *http.Response
	if create {
		resp, err = client.post(cmd.Context(), "/profile", body)
	} else {
		resp, err = client.put(cmd.Context(), "/profile", body)
	}
	if err != nil {
		return err
	}

	var result struct {
		URL string `json:"url"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}

	if create {
		printSuccess("Profile published at %s", result.URL)
	} else {
		printSuccess("Profile updated at %s", result.URL)
	}
	return nil
}

// profileFromFlags builds a profile from --name, --bio, --image and --link.
func profileFromFlags(cmd *cobra.Command) (profile.Profile, error) {
	var p profile.Profile
	p.Name, _ = cmd.Flags().GetString("name")
	p.Bio, _ = cmd.Flags().GetString("bio")
	p.Image, _ = cmd.Flags().GetString("image")
	links, _ := cmd.Flags().GetStringArray("link")

	for _, l := range links {
		title, u, ok := strings.Cut(l, "=")
		if !ok || title == "" || u == "" {
			return profile.Profile{}, fmt.Errorf("invalid --link %q: want title=url", l)
		}
		p.Links = append(p.Links, profile.Link{Title: title, URL: u})
	}

	if p.Name == "" && p.Bio == "" && p.Image == "" && len(p.Links) == 0 {
		return profile.Profile{}, fmt.Errorf("a profile file or at least one of --name, --bio, --image, --link is required")
	}
	return p, nil
}

// readInput reads a file, or stdin when name is "-".
func readInput(stdin io.Reader, name string) ([]byte, error) {
	if name == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("reading profile: %w", err)
	}
	return data, nil
}

func inputName(name string) string {
	if name == "-" {
		return "stdin"
	}
	return name
}

// watchProfile prints the profile at target once per change until ctx is
// done. Deletions print null.
func watchProfile(ctx context.Context, w io.Writer, c *slashtags.Client, target string) error {
	defer c.Close()

	unsubscribe, err := c.Subscribe(ctx, target, func(cur, prev *profile.Profile) {
		if cur == nil {
			fmt.Fprintln(w, "null")
			return
		}
		b, err := json.Marshal(cur)
		if err != nil {
			printError("encoding profile: %v", err)
			return
		}
		fmt.Fprintln(w, string(b))
	})
	if err != nil {
		return err
	}
	defer unsubscribe()

	if target == "" {
		target = c.URL()
	}
	printStep("Watching %s (Ctrl-C to stop)", target)
	<-ctx.Done()
	return nil
}

// --- url ---

var urlCmd = &cobra.Command{
	Use:   "url",
	Short: "Print the slash: URL of the local drive",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		full, _ := cmd.Flags().GetBool("profile")
		p := ""
		if full {
			p = profile.Path
		}
		fmt.Fprintln(cmd.OutOrStdout(), drive.FormatURL(cfg.Drive.Key, p))
		return nil
	},
}

func init() {
	urlCmd.Flags().Bool("profile", false, "include the profile document path")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value. Valid keys:\n  " +
		strings.Join(append(config.ValidKeys(), config.SecretKeys()...), "\n  "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if slices.Contains(config.SecretKeys(), key) {
			if err := config.SetSecret(config.NewKeychain(), key, value); err != nil {
				return err
			}
			printSuccess("Stored %s in the secret store", key)
			return nil
		}

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Restore a configuration value to its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
