package llm

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// FriendlyError converts a backend error into a short message suitable for
// speaking to the user. Raw SDK errors tend to embed URLs, request IDs and
// JSON bodies that sound terrible through TTS.
func FriendlyError(err error, model string) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	lower := strings.ToLower(msg)

	switch {
	case isConnectionError(err, lower):
		return "Cannot connect to LLM server. Make sure Ollama is running."
	case strings.Contains(lower, "404") || strings.Contains(lower, "not found"):
		return "Model '" + model + "' not found. Pull or select a different model."
	case strings.Contains(lower, "500") || strings.Contains(lower, "502") ||
		strings.Contains(lower, "503") || strings.Contains(lower, "internal server error"):
		return "LLM server error. Check the server logs."
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "invalid api key"):
		return "LLM authentication failed. Check the configured API key."
	}

	if len(msg) > 100 {
		msg = msg[:100]
	}
	return msg
}

func isConnectionError(err error, lower string) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	return strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "no such host") ||
		strings.Contains(lower, "connect: ")
}
