package endpoint

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/prodo-dev/plz/internal/paths"
)

// HostEnv overrides the default endpoint for both server and client.
const HostEnv = "PLZ_HOST"

type Endpoint struct {
	Scheme  string
	Address string
	BaseURL string

	TSNetHostname string
	TSNetPort     int
	TSServiceName string
}

const DefaultSystemSocketPath = "/var/run/plz/plz.sock"

const (
	defaultTSNetHostname = "plz"
	defaultTSNetPort     = 7777
)

var endpointStat = os.Stat
var endpointGeteuid = os.Geteuid

func defaultListenEndpoint() Endpoint {
	return Endpoint{
		Scheme:  "unix",
		Address: paths.ControlSocketPath(),
		BaseURL: "http://unix",
	}
}

func defaultClientEndpoint() Endpoint {
	if endpointGeteuid() == 0 {
		if st, err := endpointStat(DefaultSystemSocketPath); err == nil && !st.IsDir() && st.Mode()&os.ModeSocket != 0 {
			return Endpoint{
				Scheme:  "unix",
				Address: DefaultSystemSocketPath,
				BaseURL: "http://unix",
			}
		}
	}
	return defaultListenEndpoint()
}

func Default() Endpoint {
	return defaultListenEndpoint()
}

// ResolveListen resolves an endpoint for server-side listening. Besides the
// client schemes it accepts tsnet://host[:port] and tssvc://svc:name.
func ResolveListen(raw string) (Endpoint, error) {
	return resolve(raw, true)
}

func Resolve(raw string) (Endpoint, error) {
	return resolve(raw, false)
}

func resolve(raw string, listen bool) (Endpoint, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		value = strings.TrimSpace(os.Getenv(HostEnv))
	}
	if value == "" {
		if listen {
			return defaultListenEndpoint(), nil
		}
		return defaultClientEndpoint(), nil
	}

	switch {
	case strings.HasPrefix(value, "unix://"):
		path := strings.TrimPrefix(value, "unix://")
		if path == "" {
			return Endpoint{}, fmt.Errorf("invalid unix endpoint %q", value)
		}
		return Endpoint{Scheme: "unix", Address: path, BaseURL: "http://unix"}, nil
	case strings.HasPrefix(value, "http://"), strings.HasPrefix(value, "https://"):
		scheme := "http"
		if strings.HasPrefix(value, "https://") {
			scheme = "https"
		}
		return Endpoint{Scheme: scheme, Address: value, BaseURL: strings.TrimRight(value, "/")}, nil
	case strings.HasPrefix(value, "tsnet://"):
		if !listen {
			return Endpoint{}, fmt.Errorf("tsnet endpoint %q is only valid for serve --listen; connect with http://<host>:<port> over the tailnet", value)
		}
		return resolveTSNet(value)
	case strings.HasPrefix(value, "tssvc://"):
		if !listen {
			return Endpoint{}, fmt.Errorf("tailscale service endpoint %q is only valid for serve --listen; connect with https://<service>.<tailnet>", value)
		}
		name := strings.TrimPrefix(value, "tssvc://")
		if name == "" {
			return Endpoint{}, fmt.Errorf("invalid tailscale service endpoint %q", value)
		}
		if !strings.HasPrefix(name, "svc:") {
			name = "svc:" + name
		}
		return Endpoint{Scheme: "tssvc", Address: "127.0.0.1:0", TSServiceName: name}, nil
	case strings.HasPrefix(value, "/"):
		return Endpoint{Scheme: "unix", Address: value, BaseURL: "http://unix"}, nil
	default:
		expected := "unix://, http://, https://, or absolute unix socket path"
		if listen {
			expected = "unix://, http://, https://, tsnet://, tssvc://, or absolute unix socket path"
		}
		return Endpoint{}, fmt.Errorf("unsupported endpoint %q (expected %s)", value, expected)
	}
}

func resolveTSNet(value string) (Endpoint, error) {
	u, err := url.Parse(value)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid tsnet endpoint %q: %w", value, err)
	}
	if u.Path != "" && u.Path != "/" {
		return Endpoint{}, fmt.Errorf("tsnet endpoint %q must not have a path", value)
	}
	host := u.Hostname()
	if host == "" {
		host = defaultTSNetHostname
	}
	port := defaultTSNetPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Endpoint{}, fmt.Errorf("invalid tsnet port %q", p)
		}
	}
	return Endpoint{
		Scheme:        "tsnet",
		Address:       ":" + strconv.Itoa(port),
		BaseURL:       "http://" + net.JoinHostPort(host, strconv.Itoa(port)),
		TSNetHostname: host,
		TSNetPort:     port,
	}, nil
}
