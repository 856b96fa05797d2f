package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clawguard/clawguard/internal/domain/auth"
)

var hashPinSHA256 bool

var hashPinCmd = &cobra.Command{
	Use:   "hash-pin [pin]",
	Short: "Generate a hash of the admin PIN for use in config",
	Long: `Generate a hash of the admin PIN for the admin.pin_hash config field.

The default output is an Argon2id hash in PHC format. Pass --sha256 for
the cheaper "sha256:<hex>" form on machines where Argon2id's memory cost
is unwelcome.

Example:
  clawguard hash-pin "1234"
  # Output: $argon2id$v=19$m=48128,t=1,p=1$...

Security note: The PIN will appear in shell history.
Consider clearing history after use or using an environment variable:
  clawguard hash-pin "$ADMIN_PIN"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pin := args[0]
		if hashPinSHA256 {
			fmt.Println(auth.HashPINSHA256(pin))
			return nil
		}
		hash, err := auth.HashPIN(pin)
		if err != nil {
			return fmt.Errorf("failed to hash pin: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	hashPinCmd.Flags().BoolVar(&hashPinSHA256, "sha256", false, "emit sha256:<hex> instead of Argon2id")
	rootCmd.AddCommand(hashPinCmd)
}
