package format

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/fatih/color"

	"courier/internal/model"
)

// sanitizeOutput removes or escapes potentially dangerous control characters
// that could manipulate terminal display or execute commands
func sanitizeOutput(s string) string {
	var result strings.Builder
	result.Grow(len(s))

	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			// Allow common whitespace characters
			result.WriteRune(r)
		case r == '\x1b':
			// Escape ANSI escape sequences - replace ESC with visible representation
			result.WriteString("\\x1b")
		case unicode.IsControl(r) && r < 0x20:
			// Replace other control characters (0x00-0x1F except allowed whitespace)
			result.WriteString(fmt.Sprintf("\\x%02x", r))
		case r == 0x7F:
			// DEL character
			result.WriteString("\\x7f")
		default:
			result.WriteRune(r)
		}
	}

	return result.String()
}

var (
	successColor   = color.New(color.FgGreen, color.Bold)
	redirectColor  = color.New(color.FgYellow, color.Bold)
	clientErrColor = color.New(color.FgRed, color.Bold)
	serverErrColor = color.New(color.FgRed, color.Bold, color.BgWhite)
	headerKeyColor = color.New(color.FgCyan)
	methodColor    = color.New(color.FgMagenta, color.Bold)
	urlColor       = color.New(color.FgBlue)
	dimColor       = color.New(color.Faint)
	eventColor     = color.New(color.FgCyan, color.Bold)
)

// PrintResponse prints a formatted HTTP response
func PrintResponse(resp *model.HttpResponse, body []byte, showHeaders bool) {
	if resp.Error != "" {
		PrintError(resp.Error)
		return
	}

	printStatusLine(resp)
	dimColor.Printf("  Time: %dms (headers %dms)\n", resp.Elapsed, resp.ElapsedHeaders)
	if resp.Version != "" {
		dimColor.Printf("  %s", resp.Version)
		if resp.RemoteAddr != "" {
			dimColor.Printf(" from %s", resp.RemoteAddr)
		}
		fmt.Println()
	}
	fmt.Println()

	if showHeaders {
		printHeaders(resp.Headers)
	}

	printBody(string(body))
}

func printStatusLine(resp *model.HttpResponse) {
	statusColor := getStatusColor(resp.Status)
	statusColor.Printf("%d %s\n", resp.Status, sanitizeOutput(resp.StatusReason))
}

func getStatusColor(code int) *color.Color {
	switch {
	case code >= 200 && code < 300:
		return successColor
	case code >= 300 && code < 400:
		return redirectColor
	case code >= 400 && code < 500:
		return clientErrColor
	default:
		return serverErrColor
	}
}

func printHeaders(headers []model.ResponseHeader) {
	if len(headers) == 0 {
		return
	}

	fmt.Println("Headers:")

	// Sort headers for consistent output
	sorted := make([]model.ResponseHeader, len(headers))
	copy(sorted, headers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	for _, h := range sorted {
		headerKeyColor.Printf("  %s: ", sanitizeOutput(h.Name))
		fmt.Println(sanitizeOutput(h.Value))
	}
	fmt.Println()
}

func printBody(body string) {
	if body == "" {
		dimColor.Println("(empty body)")
		return
	}

	// Try to pretty-print JSON, then sanitize output for terminal safety
	prettyBody := prettyJSON(body)
	fmt.Println(sanitizeOutput(prettyBody))
}

func prettyJSON(s string) string {
	var out bytes.Buffer
	err := json.Indent(&out, []byte(s), "", "  ")
	if err != nil {
		// Not valid JSON, return as-is
		return s
	}
	return out.String()
}

// PrintEvent prints one gRPC connection event as it arrives
func PrintEvent(e *model.GrpcEvent) {
	switch e.Type {
	case model.EventConnectionStart:
		eventColor.Print("→ ")
		fmt.Println(sanitizeOutput(e.Content))
	case model.EventClientMessage:
		methodColor.Print("↑ ")
		fmt.Println(sanitizeOutput(prettyJSON(e.Content)))
	case model.EventServerMessage:
		successColor.Print("↓ ")
		fmt.Println(sanitizeOutput(prettyJSON(e.Content)))
	case model.EventInfo:
		dimColor.Printf("  %s\n", sanitizeOutput(e.Content))
	case model.EventError:
		clientErrColor.Print("! ")
		fmt.Println(sanitizeOutput(e.Content))
	case model.EventConnectionEnd:
		eventColor.Print("← ")
		fmt.Print(sanitizeOutput(e.Content))
		if e.Status >= 0 {
			dimColor.Printf(" (status %d)", e.Status)
		}
		fmt.Println()
		if e.Error != "" {
			clientErrColor.Printf("  %s\n", sanitizeOutput(e.Error))
		}
	}

	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			headerKeyColor.Printf("    %s: ", sanitizeOutput(k))
			fmt.Println(sanitizeOutput(e.Metadata[k]))
		}
	}
}

// PrintConnection prints a gRPC connection summary line
func PrintConnection(c *model.GrpcConnection) {
	methodColor.Printf("%s/%s ", c.Service, c.Method)
	urlColor.Printf("%-40s ", sanitizeOutput(c.URL))
	if c.Status == model.StatusPending {
		dimColor.Print("pending")
	} else {
		statusColor := successColor
		if c.Status != 0 {
			statusColor = clientErrColor
		}
		statusColor.Printf("status %d ", c.Status)
		dimColor.Printf("(%dms)", c.Elapsed)
	}
	if c.Error != "" {
		clientErrColor.Printf(" %s", sanitizeOutput(c.Error))
	}
	fmt.Println()
}

// PrintResponseSummary prints an HTTP response history line
func PrintResponseSummary(index int, r *model.HttpResponse) {
	dimColor.Printf("[%d] ", index)

	url := r.URL
	if len(url) > 60 {
		url = url[:57] + "..."
	}
	urlColor.Printf("%-60s ", sanitizeOutput(url))

	if r.Error != "" {
		clientErrColor.Printf("error ")
		dimColor.Print(sanitizeOutput(r.Error))
	} else {
		statusColor := getStatusColor(r.Status)
		statusColor.Printf("%d ", r.Status)
		dimColor.Printf("(%dms)", r.Elapsed)
	}
	fmt.Println()
}

// PrintEnvironment prints an environment and its variables
func PrintEnvironment(e *model.Environment) {
	headerKeyColor.Printf("%s ", sanitizeOutput(e.Name))
	dimColor.Printf("(%d variables)\n", len(e.Variables))
	for _, v := range e.Variables {
		marker := "  "
		if !v.Enabled {
			marker = "  # "
		}
		fmt.Printf("%s%s=%s\n", marker, sanitizeOutput(v.Name), sanitizeOutput(v.Value))
	}
}

// PrintCookieJar prints a jar and its cookies
func PrintCookieJar(j *model.CookieJar) {
	headerKeyColor.Printf("%s ", sanitizeOutput(j.Name))
	dimColor.Printf("(%d cookies)\n", len(j.Cookies))
	for _, c := range j.Cookies {
		fmt.Printf("  %s=%s ", sanitizeOutput(c.Name), sanitizeOutput(c.Value))
		dimColor.Printf("domain=%s path=%s\n", sanitizeOutput(c.Domain), sanitizeOutput(c.Path))
	}
}

// PrintSuccess prints a success message
func PrintSuccess(msg string) {
	successColor.Printf("✓ %s\n", msg)
}

// PrintError prints an error message
func PrintError(msg string) {
	clientErrColor.Printf("✗ %s\n", msg)
}
