package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"courier/internal/format"
	"courier/internal/grpcx"
	"courier/internal/model"
	"courier/internal/relay"
	"courier/internal/storage"
)

var (
	grpcService  string
	grpcMethod   string
	grpcProtos   []string
	grpcMessage  string
	grpcMetadata []string
	grpcBasic    string
	grpcBearer   string
	grpcEnv      string
)

func init() {
	grpcCmd := &cobra.Command{
		Use:   "grpc <host:port>",
		Short: "Open a gRPC call",
		Long: `Open a gRPC call against a target and stream its events.

The method's streaming shape is taken from the proto sources. For
client-streaming and bidirectional methods, each line read from stdin
is sent as one JSON-encoded message; closing stdin commits the
outbound half. Ctrl-C cancels the call.`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runGrpc(args[0])
		},
	}
	grpcCmd.Flags().StringVarP(&grpcService, "service", "s", "", "Fully-qualified service name")
	grpcCmd.Flags().StringVarP(&grpcMethod, "method", "m", "", "Method name")
	grpcCmd.Flags().StringArrayVarP(&grpcProtos, "proto", "p", nil, "Proto source file (repeatable)")
	grpcCmd.Flags().StringVarP(&grpcMessage, "data", "d", "", "Request message as JSON")
	grpcCmd.Flags().StringArrayVarP(&grpcMetadata, "metadata", "H", nil, "Metadata as 'key: value' (repeatable)")
	grpcCmd.Flags().StringVar(&grpcBasic, "basic", "", "Basic auth as user:password")
	grpcCmd.Flags().StringVar(&grpcBearer, "bearer", "", "Bearer auth token")
	grpcCmd.Flags().StringVarP(&grpcEnv, "env", "e", "", "Environment to render templates with")
	grpcCmd.MarkFlagRequired("service")
	grpcCmd.MarkFlagRequired("method")
	grpcCmd.MarkFlagRequired("proto")

	servicesCmd := &cobra.Command{
		Use:   "services [host:port]",
		Short: "List services found in proto sources",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runGrpcServices()
		},
	}
	servicesCmd.Flags().StringArrayVarP(&grpcProtos, "proto", "p", nil, "Proto source file (repeatable)")
	servicesCmd.MarkFlagRequired("proto")
	grpcCmd.AddCommand(servicesCmd)

	rootCmd.AddCommand(grpcCmd)
}

func runGrpc(target string) {
	store, _ := openStore()
	defer store.Close()

	req := &model.GrpcRequest{
		ID:       model.NewID("gr"),
		URL:      target,
		Service:  grpcService,
		Method:   grpcMethod,
		Message:  grpcMessage,
		Metadata: parseHeaderFlags(grpcMetadata),
		Auth:     buildAuthFromFlags(grpcBasic, grpcBearer),
	}
	env := loadEnvironment(store, grpcEnv)

	hub := relay.NewHub()
	engine := &grpcx.Engine{Store: store, Hub: hub}

	// Buffer store changes so events written during Run are not lost; the
	// persisted log remains the source of truth if the buffer overflows.
	changes := make(chan storage.Change, 64)
	unsubscribe := store.Subscribe(func(c storage.Change) {
		select {
		case changes <- c:
		default:
		}
	})
	defer unsubscribe()

	connID, err := engine.Run(context.Background(), req, env, grpcProtos)
	if err != nil {
		format.PrintError(fmt.Sprintf("Failed to open connection: %v", err))
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		hub.Publish(connID, relay.Msg{Kind: relay.KindCancel})
	}()

	// Relay stdin lines as outbound messages. For non-streaming methods the
	// engine records but never sends them, so an interactive unary call is
	// unaffected by a blocked read here.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			hub.Publish(connID, relay.Msg{Kind: relay.KindMessage, Payload: line})
		}
		hub.Publish(connID, relay.Msg{Kind: relay.KindCommit})
	}()

	conn := waitAndPrint(changes, connID)
	format.PrintConnection(conn)
	if conn.Status != 0 {
		os.Exit(1)
	}
}

// waitAndPrint prints this connection's events as they are persisted and
// returns once the connection record goes terminal.
func waitAndPrint(changes <-chan storage.Change, connID string) *model.GrpcConnection {
	for c := range changes {
		switch m := c.Model.(type) {
		case *model.GrpcEvent:
			if m.ConnectionID == connID {
				format.PrintEvent(m)
			}
		case *model.GrpcConnection:
			if m.ID == connID && m.Status != model.StatusPending {
				return m
			}
		}
	}
	return nil
}

func runGrpcServices() {
	defs, err := grpcx.ListServices(context.Background(), grpcProtos)
	if err != nil {
		format.PrintError(err.Error())
		os.Exit(1)
	}
	for _, def := range defs {
		fmt.Println(def.Name)
		for _, m := range def.Methods {
			fmt.Printf("  %s\n", m)
		}
	}
}
