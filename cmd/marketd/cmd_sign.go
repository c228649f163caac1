package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sawpanic/marketfeed/internal/providers/deribit"
)

var (
	signNonce     int64
	signURI       string
	signAccessKey string
	signSecretKey string
	signParams    []string
)

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Print a Deribit request signature",
	Long: `Compute the signature marketd attaches to Deribit private calls.

Examples:
  marketd sign --access-key KEY --secret-key SECRET \
    --param instrument=BTC-PERPETUAL,ETH-PERPETUAL --param event=order_book`,
	RunE: runSign,
}

func init() {
	rootCmd.AddCommand(signCmd)
	signCmd.Flags().Int64Var(&signNonce, "nonce", 0, "Nonce in epoch ms (default now)")
	signCmd.Flags().StringVar(&signURI, "uri", deribit.SubscribeURI, "Request URI")
	signCmd.Flags().StringVar(&signAccessKey, "access-key", "", "Deribit access key")
	signCmd.Flags().StringVar(&signSecretKey, "secret-key", "", "Deribit secret key")
	signCmd.Flags().StringArrayVar(&signParams, "param", nil, "Parameter as key=v1,v2 (repeatable)")
	_ = signCmd.MarkFlagRequired("access-key")
	_ = signCmd.MarkFlagRequired("secret-key")
}

func parseParams(raw []string) (map[string][]string, error) {
	params := make(map[string][]string, len(raw))
	for _, p := range raw {
		key, values, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("param %q: want key=v1,v2", p)
		}
		params[key] = append(params[key], strings.Split(values, ",")...)
	}
	return params, nil
}

func runSign(cmd *cobra.Command, args []string) error {
	params, err := parseParams(signParams)
	if err != nil {
		return err
	}
	nonce := signNonce
	if nonce == 0 {
		nonce = time.Now().UnixMilli()
	}
	fmt.Fprintln(cmd.OutOrStdout(), deribit.Sign(nonce, signURI, params, signAccessKey, signSecretKey))
	return nil
}
