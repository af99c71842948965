package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tmarks/tmarks/internal/openapi"
)

func newOpenAPICmd() *cobra.Command {
	var (
		baseURL    string
		outputFile string
	)

	cmd := &cobra.Command{
		Use:   "openapi",
		Short: "Generate the OpenAPI specification",
		Long:  "Generate the OpenAPI 3.1 document describing the auth and API key endpoints.",
		Example: `  tmarks openapi                                # print to stdout
  tmarks openapi -o openapi.json                # write to file
  tmarks openapi --base-url https://api.example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			header := viper.GetString("auth.api_key_header")
			if outputFile == "" {
				return writeOpenAPI(cmd.OutOrStdout(), baseURL, header)
			}
			f, err := os.Create(outputFile)
			if err != nil {
				return fmt.Errorf("create %s: %w", outputFile, err)
			}
			defer f.Close()
			if err := writeOpenAPI(f, baseURL, header); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s\n", outputFile)
			return nil
		},
	}

	cmd.Flags().StringVar(&baseURL, "base-url", "", "Server URL to advertise in the document")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Write the document to a file instead of stdout")

	return cmd
}

func writeOpenAPI(w io.Writer, baseURL, apiKeyHeader string) error {
	doc := openapi.Generate(openapi.Options{
		BaseURL:      baseURL,
		Version:      versionString(),
		APIKeyHeader: apiKeyHeader,
	})
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal openapi: %w", err)
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
