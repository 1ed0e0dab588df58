package auth

import (
	"context"
	"fmt"
)

// CLIHelper provides the CLI-facing operator-provisioning flow.
type CLIHelper struct {
	authService *AuthService
}

// NewCLIHelper creates a new CLI helper.
func NewCLIHelper(authService *AuthService) *CLIHelper {
	return &CLIHelper{authService: authService}
}

// CreateInitialAdmin creates the first operator account if none exist.
func (cli *CLIHelper) CreateInitialAdmin(ctx context.Context, username, password string) error {
	n, err := cli.authService.UserCount(ctx)
	if err != nil {
		return fmt.Errorf("auth: check existing operators: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("auth: operator accounts already exist, refusing to create another initial admin")
	}
	if err := cli.authService.CreateUser(ctx, username, password); err != nil {
		return fmt.Errorf("auth: create admin: %w", err)
	}
	fmt.Printf("initial admin operator %q created\n", username)
	return nil
}
