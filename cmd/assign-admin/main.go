// Command assign-admin выдаёт или отзывает права администратора бота.
//
//	assign-admin --telegram-id 123456789
//	assign-admin --telegram-id 123456789 --revoke
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/magabrotheeeer/signals-bot/internal/config"
	"github.com/magabrotheeeer/signals-bot/internal/lib/sl"
	subscriptionservice "github.com/magabrotheeeer/signals-bot/internal/services/subscription"
	"github.com/magabrotheeeer/signals-bot/internal/storage/repository"
)

// AdminManager операции, которыми пользуется команда.
type AdminManager interface {
	SetAdmin(ctx context.Context, identity string, isAdmin bool) error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, connect); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func connect() (AdminManager, func(), error) {
	cfg := config.MustLoad()
	logger := sl.NewLogger(cfg.Env, os.Stderr)

	db, err := repository.New(cfg.StorageConnectionString)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect storage: %w", err)
	}
	return subscriptionservice.New(db, cfg.Subscription.Duration(), logger), func() { _ = db.Close() }, nil
}

func run(args []string, out io.Writer, open func() (AdminManager, func(), error)) error {
	var (
		telegramID int64
		revoke     bool
	)
	flagSet := pflag.NewFlagSet("assign-admin", pflag.ContinueOnError)
	flagSet.Int64Var(&telegramID, "telegram-id", 0, "Telegram ID of the user")
	flagSet.BoolVar(&revoke, "revoke", false, "revoke admin rights instead of granting them")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if telegramID <= 0 {
		return errors.New("--telegram-id is required")
	}

	manager, closeFn, err := open()
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	identity := strconv.FormatInt(telegramID, 10)
	if err := manager.SetAdmin(ctx, identity, !revoke); err != nil {
		return err
	}

	if revoke {
		fmt.Fprintf(out, "admin rights revoked from %d\n", telegramID)
	} else {
		fmt.Fprintf(out, "user %d is now an admin\n", telegramID)
	}
	return nil
}
