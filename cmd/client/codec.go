package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"dev.c0redev.fwpush/internal/endpoint"
	"dev.c0redev.fwpush/internal/idwords"
	"github.com/spf13/cobra"
)

func newEncodeCommand() *cobra.Command {
	var tlsAware bool
	cmd := &cobra.Command{
		Use:   "encode <push-endpoint-text>",
		Short: "Print the binary form of a text push endpoint as hex.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := endpoint.UnmarshalText(args[0])
			if err != nil {
				return err
			}
			b := endpoint.MarshalBinary(e, tlsAware)
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n%d bytes\n", hex.EncodeToString(b), len(b))
			return nil
		},
	}
	cmd.Flags().BoolVar(&tlsAware, "tls", true, "include the TLS bitmap")
	return cmd
}

type decoded struct {
	GUID       string   `json:"guid"`
	Label      string   `json:"label"`
	Text       string   `json:"text"`
	Proxies    []string `json:"proxies"`
	FWTVersion int      `json:"fwt_version,omitempty"`
	External   string   `json:"external,omitempty"`
}

func newDecodeCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "decode <hex|text>",
		Short: "Decode a binary (hex) or text push endpoint.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := decodeArg(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range list {
				if !asJSON {
					fmt.Fprintf(out, "%s  %s\n", endpoint.MarshalText(e, true), idwords.ForGUID(e.ClientGUID))
					continue
				}
				d := decoded{
					GUID:  e.ClientGUID.String(),
					Label: idwords.ForGUID(e.ClientGUID),
					Text:  endpoint.MarshalText(e, true),
				}
				for _, p := range e.Canonical() {
					d.Proxies = append(d.Proxies, p.String())
				}
				if ext, ok := e.ExternalAddr(); ok {
					d.FWTVersion, d.External = e.FWTVersion, ext.String()
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(d); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

// decodeArg: all-hex input is binary (possibly several records), anything else is text.
func decodeArg(s string) ([]endpoint.Endpoint, error) {
	s = strings.TrimSpace(s)
	if b, err := hex.DecodeString(s); err == nil && len(b) >= endpoint.HeaderSize {
		list, err := endpoint.DecodeAll(b)
		if len(list) == 0 {
			return nil, err
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "skipped:", err)
		}
		return list, nil
	}
	e, err := endpoint.UnmarshalText(s)
	if err != nil {
		return nil, err
	}
	return []endpoint.Endpoint{e}, nil
}
