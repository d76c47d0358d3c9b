package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"chatgate/internal/client"
	"chatgate/internal/vault"
)

// ownerAPI is the slice of the server client used by /owner and /whoami.
type ownerAPI interface {
	OwnerLogin(ctx context.Context, password string) error
	Logout(ctx context.Context, role string) error
	Verify(ctx context.Context, role string) (client.VerifyResult, error)
	OwnerKeys(ctx context.Context) ([]vault.Entry, error)
	AddOrUpdateKey(ctx context.Context, e vault.Entry) error
	RemoveKey(ctx context.Context, id string) error
}

var _ ownerAPI = (*client.Client)(nil)

var errNoServer = errors.New("this command needs a chatgate server; it is not available with --direct")

const ownerUsage = "usage: /owner login|logout|keys|set <id> <name> <endpoint> [kind] [model]|remove <id>"

func (a *app) ownerCommand(ctx context.Context, arg string) error {
	if a.owner == nil {
		return errNoServer
	}
	sub, rest, _ := strings.Cut(arg, " ")
	fields := strings.Fields(rest)

	switch sub {
	case "login":
		password, err := a.readSecret("owner password: ")
		if err != nil {
			return err
		}
		if password == "" {
			return errors.New("owner password is required")
		}
		if err := a.owner.OwnerLogin(ctx, password); err != nil {
			if client.IsStatus(err, http.StatusUnauthorized) {
				return errors.New("invalid owner password")
			}
			return err
		}
		a.logger.Info().Msg("owner session started")
		fmt.Fprintln(a.out, "owner session started")

	case "logout":
		if err := a.owner.Logout(ctx, "owner"); err != nil {
			return err
		}
		fmt.Fprintln(a.out, "owner session ended")

	case "keys":
		keys, err := a.owner.OwnerKeys(ctx)
		if err != nil {
			return ownerErr(err)
		}
		if len(keys) == 0 {
			fmt.Fprintln(a.out, "the vault is empty")
		}
		for _, k := range keys {
			kind := k.Kind
			if kind == "" {
				kind = "auto"
			}
			fmt.Fprintf(a.out, "%s  %s  [%s]  %s  %s\n", k.ID, k.Name, kind, k.Endpoint, maskSecret(k.SecretKey))
		}

	case "set":
		if len(fields) < 3 || len(fields) > 5 {
			return errors.New("usage: /owner set <id> <name> <endpoint> [kind] [model]")
		}
		e := vault.Entry{ID: fields[0], Name: fields[1], Endpoint: fields[2]}
		if len(fields) > 3 {
			e.Kind = fields[3]
		}
		if len(fields) > 4 {
			e.Model = fields[4]
		}
		secret, err := a.readSecret(fmt.Sprintf("secret key for %s: ", e.ID))
		if err != nil {
			return err
		}
		e.SecretKey = secret
		if err := a.owner.AddOrUpdateKey(ctx, e); err != nil {
			return ownerErr(err)
		}
		a.logger.Info().Str("id", e.ID).Msg("vault entry saved")
		fmt.Fprintf(a.out, "saved %s\n", e.ID)

	case "remove":
		if len(fields) != 1 {
			return errors.New("usage: /owner remove <id>")
		}
		id := fields[0]
		if !a.ask(fmt.Sprintf("remove %q from the vault? [y/N]: ", id)) {
			fmt.Fprintln(a.out, "kept")
			return nil
		}
		if err := a.owner.RemoveKey(ctx, id); err != nil {
			return ownerErr(err)
		}
		a.logger.Info().Str("id", id).Msg("vault entry removed")
		fmt.Fprintf(a.out, "removed %s\n", id)

	default:
		return errors.New(ownerUsage)
	}
	return nil
}

func (a *app) whoami(ctx context.Context) error {
	if a.owner == nil {
		return errNoServer
	}
	for _, role := range []string{"client", "owner"} {
		res, err := a.owner.Verify(ctx, role)
		switch {
		case err == nil && res.Success:
			if res.Username != "" {
				fmt.Fprintf(a.out, "%s: signed in as %s\n", role, res.Username)
			} else {
				fmt.Fprintf(a.out, "%s: signed in\n", role)
			}
		case err == nil, client.IsStatus(err, http.StatusForbidden), client.IsStatus(err, http.StatusUnauthorized):
			fmt.Fprintf(a.out, "%s: not signed in\n", role)
		default:
			return err
		}
	}
	return nil
}

func ownerErr(err error) error {
	if client.IsStatus(err, http.StatusForbidden) {
		return errors.New("no owner session, run /owner login first")
	}
	return err
}

// maskSecret keeps the last four characters of long secrets.
func maskSecret(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}
