package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"courier/internal/cancel"
	"courier/internal/format"
	"courier/internal/httpx"
	"courier/internal/model"
	"courier/internal/storage"
)

var (
	sendMethod    string
	sendHeaders   []string
	sendQuery     []string
	sendData      string
	sendForm      []string
	sendMultipart []string
	sendBinary    string
	sendBasic     string
	sendBearer    string
	sendEnv       string
	sendJar       string
	sendOutput    string
	noHistory     bool
)

func init() {
	sendCmd := &cobra.Command{
		Use:   "send <url>",
		Short: "Send an HTTP request",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runSend(cmd, sendMethod, args[0])
		},
	}
	sendCmd.Flags().StringVarP(&sendMethod, "method", "X", "GET", "Request method")
	addSendFlags(sendCmd)
	rootCmd.AddCommand(sendCmd)

	// Shorthand per-method commands
	for _, method := range []string{"GET", "POST", "PUT", "PATCH", "DELETE"} {
		method := method
		shorthand := &cobra.Command{
			Use:   strings.ToLower(method) + " <url>",
			Short: "Send a " + method + " request",
			Args:  cobra.ExactArgs(1),
			Run: func(cmd *cobra.Command, args []string) {
				runSend(cmd, method, args[0])
			},
		}
		addSendFlags(shorthand)
		rootCmd.AddCommand(shorthand)
	}
}

func addSendFlags(cmd *cobra.Command) {
	cmd.Flags().StringArrayVarP(&sendHeaders, "header", "H", nil, "Header as 'Name: Value' (repeatable)")
	cmd.Flags().StringArrayVarP(&sendQuery, "query", "q", nil, "Query parameter as name=value (repeatable)")
	cmd.Flags().StringVarP(&sendData, "data", "d", "", "Raw text body")
	cmd.Flags().StringArrayVar(&sendForm, "form", nil, "URL-encoded form field as name=value (repeatable)")
	cmd.Flags().StringArrayVar(&sendMultipart, "multipart", nil, "Multipart field as name=value or name=@file (repeatable)")
	cmd.Flags().StringVar(&sendBinary, "binary", "", "File whose bytes become the body")
	cmd.Flags().StringVar(&sendBasic, "basic", "", "Basic auth as user:password")
	cmd.Flags().StringVar(&sendBearer, "bearer", "", "Bearer auth token")
	cmd.Flags().StringVarP(&sendEnv, "env", "e", "", "Environment to render templates with")
	cmd.Flags().StringVar(&sendJar, "jar", "", "Cookie jar id to use and update")
	cmd.Flags().StringVarP(&sendOutput, "output", "o", "", "Also copy the response body to this file")
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "Don't persist the response")
}

func runSend(cmd *cobra.Command, method, url string) {
	verbose, _ := cmd.Flags().GetBool("verbose")

	store, blobs := openStore()
	defer store.Close()

	req := &model.HttpRequest{
		ID:      model.NewID("rq"),
		Method:  method,
		URL:     url,
		Headers: parseHeaderFlags(sendHeaders),
		Params:  parseParamFlags(sendQuery),
		Body:    buildBodyFromFlags(),
		Auth:    buildAuthFromFlags(sendBasic, sendBearer),
	}

	env := loadEnvironment(store, sendEnv)
	jar := loadJar(store, sendJar)

	resp := &model.HttpResponse{RequestID: req.ID, Elapsed: model.ElapsedPending}
	if !noHistory {
		resp.ID = model.NewID("rs")
		if _, err := store.UpsertResponse(resp); err != nil {
			format.PrintError(fmt.Sprintf("Failed to record request: %v", err))
			os.Exit(1)
		}
	}

	// Ctrl-C cancels the in-flight request instead of killing the process,
	// so the aborted outcome still gets recorded.
	sig := cancel.New()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		sig.Trip()
	}()

	executor := &httpx.Executor{Store: store, Blobs: blobs, Settings: loadSettings()}
	resp, err := executor.Execute(context.Background(), req, resp, env, jar, sendOutput, sig)
	if err != nil {
		format.PrintError(fmt.Sprintf("Failed to record response: %v", err))
		os.Exit(1)
	}

	var body []byte
	if resp.BodyPath != "" {
		body, _ = os.ReadFile(resp.BodyPath)
	}
	format.PrintResponse(resp, body, verbose)

	if resp.Error != "" {
		os.Exit(1)
	}
}

func loadJar(store *storage.Store, id string) *model.CookieJar {
	if id == "" {
		return nil
	}
	jar, err := store.GetCookieJar(id)
	if err != nil {
		format.PrintError(fmt.Sprintf("Unknown cookie jar %q", id))
		os.Exit(1)
	}
	return jar
}

func parseHeaderFlags(values []string) []model.Header {
	var out []model.Header
	for _, v := range values {
		parts := strings.SplitN(v, ":", 2)
		h := model.Header{Name: strings.TrimSpace(parts[0]), Enabled: true}
		if len(parts) == 2 {
			h.Value = strings.TrimSpace(parts[1])
		}
		out = append(out, h)
	}
	return out
}

func parseParamFlags(values []string) []model.Param {
	var out []model.Param
	for _, v := range values {
		name, value, _ := strings.Cut(v, "=")
		out = append(out, model.Param{Name: name, Value: value, Enabled: true})
	}
	return out
}

func buildBodyFromFlags() model.Body {
	switch {
	case sendBinary != "":
		return model.Body{Kind: model.BodyBinary, FilePath: sendBinary}
	case len(sendMultipart) > 0:
		return model.Body{Kind: model.BodyMultipart, Form: parseFieldFlags(sendMultipart)}
	case len(sendForm) > 0:
		return model.Body{Kind: model.BodyForm, Form: parseFieldFlags(sendForm)}
	case sendData != "":
		return model.Body{Kind: model.BodyText, Text: sendData}
	default:
		return model.Body{Kind: model.BodyNone}
	}
}

func parseFieldFlags(values []string) []model.FormField {
	var out []model.FormField
	for _, v := range values {
		name, value, _ := strings.Cut(v, "=")
		f := model.FormField{Name: name, Enabled: true}
		if strings.HasPrefix(value, "@") {
			f.File = strings.TrimPrefix(value, "@")
		} else {
			f.Value = value
		}
		out = append(out, f)
	}
	return out
}

func buildAuthFromFlags(basic, bearer string) model.Auth {
	switch {
	case basic != "":
		user, pass, _ := strings.Cut(basic, ":")
		return model.Auth{Kind: model.AuthBasic, Username: user, Password: pass}
	case bearer != "":
		return model.Auth{Kind: model.AuthBearer, Token: bearer}
	default:
		return model.Auth{Kind: model.AuthNone}
	}
}
