// Command examples walks an escrow session through deposit, release and close
// against a running agentpayd.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"AgentPay-Chain/sdk/go/agentpay"
)

func main() {
	var (
		baseURL  = pflag.String("url", "http://127.0.0.1:8080", "agentpayd base URL")
		username = pflag.String("username", "operator", "operator username")
		password = pflag.String("password", "", "operator password; empty when auth is disabled")
		owner    = pflag.String("owner", "0x1111111111111111111111111111111111111111", "session owner address")
		agent    = pflag.String("agent", "0x2222222222222222222222222222222222222222", "agent address to authorize")
	)
	pflag.Parse()

	if err := run(*baseURL, *username, *password, *owner, *agent); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(baseURL, username, password, owner, agent string) error {
	client, err := agentpay.NewClient(baseURL, nil)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if password != "" {
		if _, err := client.Login(ctx, username, password); err != nil {
			return fmt.Errorf("login: %w", err)
		}
	}

	created, err := client.CreateSession(ctx, owner, "10", 1)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	id := created.Session.SessionID
	fmt.Printf("session %s awaiting deposit of %s to %s\n", id, created.PaymentRequest.MaxAmountRequired, created.PaymentRequest.PayTo)

	if _, err := client.ActivateSession(ctx, id, "", "10"); err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	if _, err := client.AuthorizeAgent(ctx, id, agent); err != nil {
		return fmt.Errorf("authorize agent: %w", err)
	}

	release, err := client.Release(ctx, id, agent, "2.5", fmt.Sprintf("demo-%d", time.Now().UnixNano()))
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}
	fmt.Printf("released %s, remaining %s\n", release.Amount, release.Remaining)

	refund, err := client.CloseSession(ctx, id)
	if err != nil {
		return fmt.Errorf("close: %w", err)
	}
	fmt.Printf("closed session, refunded %s\n", refund.RefundAmount)
	return nil
}
