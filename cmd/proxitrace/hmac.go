package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/okian/proxitrace/internal/adapters/keyserver"
	"github.com/okian/proxitrace/internal/domain/model"
)

var errNoSecret = errors.New("--secret is required")

func hmacCommand() *cobra.Command {
	var secret string
	cmd := &cobra.Command{
		Use:   "hmac <keys.json>",
		Short: "Compute the upload HMAC for a JSON array of diagnosis keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return hmacRun(args[0], secret, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "base64 HMAC secret")
	return cmd
}

func hmacRun(path, secret string, out io.Writer) error {
	if secret == "" {
		return errNoSecret
	}
	raw, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return fmt.Errorf("decoding secret: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading keys: %w", err)
	}
	var keys []model.DiagnosisKey
	if err := json.Unmarshal(data, &keys); err != nil {
		return fmt.Errorf("%w: keys: %w", model.ErrDecodingFailed, err)
	}
	sum, err := keyserver.CalculateHMACKey(keys, raw)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, sum)
	return err
}
