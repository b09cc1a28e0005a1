package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"securechat/internal/models"
	"securechat/internal/node"
)

// ask prints label and returns the next non-blank line.
func ask(ctx context.Context, lines <-chan string, out io.Writer, label string) (string, error) {
	for {
		fmt.Fprintf(out, "%s\n> ", label)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return "", io.EOF
			}
			if v := strings.TrimSpace(line); v != "" {
				return v, nil
			}
			fmt.Fprintln(out, "required")
		}
	}
}

// onboard collects the profile, checks the email against the peers in
// range and stores the result.
func onboard(ctx context.Context, n *node.Node, lines <-chan string, out io.Writer) error {
	fmt.Fprintln(out, "Welcome. Set up your profile.")
	var p models.UserProfile
	var err error
	if p.FirstName, err = ask(ctx, lines, out, "First name"); err != nil {
		return err
	}
	if p.LastName, err = ask(ctx, lines, out, "Last name"); err != nil {
		return err
	}
	for {
		if p.Email, err = ask(ctx, lines, out, "Email"); err != nil {
			return err
		}
		fmt.Fprintln(out, "checking email with nearby peers...")
		taken, err := n.CheckEmailUniqueness(ctx, p.Email)
		if err != nil {
			return err
		}
		if !taken {
			break
		}
		fmt.Fprintf(out, "%s is already in use, pick another\n", p.Email)
	}
	if p.Department, err = ask(ctx, lines, out, "Department"); err != nil {
		return err
	}
	if err := n.Onboard(ctx, p); err != nil {
		if errors.Is(err, node.ErrAlreadyOnboarded) {
			return nil
		}
		return err
	}
	return nil
}
