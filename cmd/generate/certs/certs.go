package certs

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Mmx233/Courier/tools/certgen"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	outputDir  string
	validYears int
	hosts      []string
	Cmd        = &cobra.Command{
		Use:   "certs",
		Short: "Generate a CA and a server certificate",
		Args:  cobra.NoArgs,
		RunE:  runGenerate,
	}
)

func init() {
	Cmd.Flags().StringVarP(&outputDir, "output", "o", "./certs", "output directory")
	Cmd.Flags().IntVarP(&validYears, "years", "y", 10, "certificate validity in years")
	Cmd.Flags().StringSliceVar(&hosts, "host", []string{"localhost", "127.0.0.1", "::1"}, "DNS names and IPs the server certificate is valid for")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	logger := log.With().Str("com", "generate").Logger()
	logger.Info().Str("dir", outputDir).Int("years", validYears).Strs("hosts", hosts).Msg("generating certificates")

	fingerprint, err := Write(outputDir, hosts, time.Duration(validYears)*365*24*time.Hour)
	if err != nil {
		return err
	}
	logger.Info().Str("fingerprint", fingerprint).Msg("certificate generation complete")
	fmt.Fprintln(cmd.OutOrStdout(), fingerprint)
	return nil
}

// Write creates ca.crt, ca.key, server.crt and server.key in dir and returns
// the server certificate fingerprint clients will pin.
func Write(dir string, hosts []string, validity time.Duration) (string, error) {
	caKey, caCert, err := certgen.GenerateCA(validity)
	if err != nil {
		return "", fmt.Errorf("generate CA: %w", err)
	}
	serverKey, serverCert, err := certgen.GenerateServerCert(caKey, caCert, hosts, validity)
	if err != nil {
		return "", fmt.Errorf("generate server cert: %w", err)
	}
	caKeyPEM, err := certgen.EncodePrivateKey(caKey)
	if err != nil {
		return "", err
	}
	serverKeyPEM, err := certgen.EncodePrivateKey(serverKey)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	files := map[string][]byte{
		"ca.key":     caKeyPEM,
		"ca.crt":     certgen.EncodeCertificate(caCert),
		"server.key": serverKeyPEM,
		"server.crt": append(certgen.EncodeCertificate(serverCert), certgen.EncodeCertificate(caCert)...),
	}
	for name, data := range files {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return "", fmt.Errorf("write %s: %w", name, err)
		}
		log.Debug().Str("file", path).Msg("generated")
	}
	return certgen.Fingerprint(serverCert.Raw), nil
}
