package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/helioflight/bltool/pkg/escape"
	"github.com/helioflight/bltool/pkg/keygen"
	"github.com/helioflight/bltool/pkg/keystore"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the named key registry",
	}
	cmd.AddCommand(newKeysListCmd(), newKeysAddCmd(), newKeysShowCmd(), newKeysRemoveCmd())
	return cmd
}

func openStore() (*keystore.Store, error) {
	return keystore.Open(cfg.KeystorePath)
}

func newKeysListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.List()
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("no keys registered")
				return nil
			}
			for _, entry := range entries {
				lastUsed := "never"
				if !entry.LastUsed.IsZero() {
					lastUsed = entry.LastUsed.Format("2006-01-02 15:04")
				}
				fmt.Printf("%-20s %d-bit  created %s  last used %s\n",
					entry.Name, entry.Bits, entry.CreatedAt.Format("2006-01-02 15:04"), lastUsed)
			}
			return nil
		},
	}
}

func newKeysAddCmd() *cobra.Command {
	var bits int

	cmd := &cobra.Command{
		Use:   "add <name> [hex-key]",
		Short: "Register a key, generating one when no key is given",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			var key string
			if len(args) == 2 {
				key = args[1]
			} else {
				if bits == 0 {
					bits = cfg.DefaultKeyBits
				}
				key, err = keygen.Generate(bits)
				if err != nil {
					return err
				}
				fmt.Println(key)
			}
			return store.Put(args[0], key)
		},
	}

	cmd.Flags().IntVar(&bits, "bits", 0, "generated key size in bits (default from config)")
	return cmd
}

func newKeysShowCmd() *cobra.Command {
	var escaped bool

	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Print a registered key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			entry, err := store.Get(args[0])
			if err != nil {
				return err
			}
			if escaped {
				fmt.Println(escape.Key(entry.KeyHex))
			} else {
				fmt.Println(entry.KeyHex)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&escaped, "escape", false, "print the escaped AES_KEY make argument instead of the raw key")
	return cmd
}

func newKeysRemoveCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:     "rm <name>",
		Aliases: []string{"remove"},
		Short:   "Delete a registered key",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes && !confirm(fmt.Sprintf("delete key %q? The key cannot be recovered.", args[0])) {
				fmt.Println("aborted")
				return nil
			}

			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			return store.Remove(args[0])
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
