package tunnel

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/shlex"
)

// PortPlaceholder is replaced by the local server port in the tunnel command.
const PortPlaceholder = "${PORT}"

// ParseCommand parses a tunnel command string into arguments using
// shell-aware tokenization, after substituting the local port. For example:
//   - "ngrok http ${PORT}" -> ["ngrok", "http", "9000"]
//   - "sh -c 'ngrok http ${PORT} --log stdout'" -> ["sh", "-c", "ngrok http 9000 --log stdout"]
//
// Returns an error if the command string has invalid quoting or is empty.
func ParseCommand(command string, port int) ([]string, error) {
	expanded := strings.ReplaceAll(command, PortPlaceholder, strconv.Itoa(port))
	args, err := shlex.Split(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to parse command %q: %w", command, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return args, nil
}
