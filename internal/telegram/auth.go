package telegram

import (
	"context"
	"errors"
	"fmt"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"

	"github.com/al-bashkir/tgbridge/internal/protocol"
)

// ErrPasswordInvalid is returned by CheckPassword when the server rejects
// the cloud password.
var ErrPasswordInvalid = errors.New("password invalid")

func (c *Client) SendCode(ctx context.Context, phone string) (string, error) {
	var hash string
	err := c.call(ctx, func(ctx context.Context) (err error) {
		hash, err = sendCode(ctx, c.client.Auth(), phone)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("send code: %w", err)
	}
	return hash, nil
}

// SignIn maps gotd's password-needed error to SignInPasswordNeeded. Every
// other failure is SignInFailed with the error attached.
func (c *Client) SignIn(ctx context.Context, phone, code, codeHash string) (protocol.SignInOutcome, error) {
	err := c.call(ctx, func(ctx context.Context) error {
		return signIn(ctx, c.client.Auth(), phone, code, codeHash)
	})
	return signInOutcome(err)
}

// CheckPassword performs the SRP exchange for the account's cloud password.
func (c *Client) CheckPassword(ctx context.Context, password string) error {
	err := c.call(ctx, func(ctx context.Context) error {
		return checkPassword(ctx, c.client.Auth(), password)
	})
	if err != nil && !errors.Is(err, ErrPasswordInvalid) {
		return fmt.Errorf("check password: %w", err)
	}
	return err
}

func (c *Client) IsAuthorized(ctx context.Context) (bool, error) {
	var authorized bool
	err := c.call(ctx, func(ctx context.Context) error {
		status, err := c.client.Auth().Status(ctx)
		if err != nil {
			return err
		}
		authorized = status.Authorized
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("auth status: %w", err)
	}
	return authorized, nil
}

func sendCode(ctx context.Context, a *auth.Client, phone string) (string, error) {
	sent, err := a.SendCode(ctx, phone, auth.SendCodeOptions{})
	if err != nil {
		return "", err
	}
	code, ok := sent.(*tg.AuthSentCode)
	if !ok {
		return "", fmt.Errorf("unexpected sent code response %T", sent)
	}
	return code.PhoneCodeHash, nil
}

func signIn(ctx context.Context, a *auth.Client, phone, code, codeHash string) error {
	_, err := a.SignIn(ctx, phone, code, codeHash)
	return err
}

func signInOutcome(err error) (protocol.SignInOutcome, error) {
	switch {
	case err == nil:
		return protocol.SignInSuccess, nil
	case errors.Is(err, auth.ErrPasswordAuthNeeded):
		return protocol.SignInPasswordNeeded, nil
	default:
		return protocol.SignInFailed, fmt.Errorf("sign in: %w", err)
	}
}

func checkPassword(ctx context.Context, a *auth.Client, password string) error {
	_, err := a.Password(ctx, password)
	if errors.Is(err, auth.ErrPasswordInvalid) {
		return ErrPasswordInvalid
	}
	return err
}
