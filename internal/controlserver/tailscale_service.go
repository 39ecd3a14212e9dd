package controlserver

import (
	"context"
	"fmt"
	"net"
	"reflect"
	"slices"
	"strings"

	"github.com/prodo-dev/plz/internal/endpoint"
	"tailscale.com/client/tailscale"
	"tailscale.com/ipn"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tailcfg"
)

type tailscaleLocalClient interface {
	StatusWithoutPeers(ctx context.Context) (*ipnstate.Status, error)
	GetServeConfig(ctx context.Context) (*ipn.ServeConfig, error)
	SetServeConfig(ctx context.Context, config *ipn.ServeConfig) error
	GetPrefs(ctx context.Context) (*ipn.Prefs, error)
	EditPrefs(ctx context.Context, prefs *ipn.MaskedPrefs) (*ipn.Prefs, error)
}

var newTailscaleLocalClient = func() tailscaleLocalClient {
	return &tailscale.LocalClient{}
}

// configureTailscaleService publishes the control API listening on
// localAddr as a tailnet service terminating TLS on 443, and advertises the
// service from this node. It returns the service's https URL.
func configureTailscaleService(ctx context.Context, ep endpoint.Endpoint, localAddr string) (string, error) {
	return advertiseService(ctx, newTailscaleLocalClient(), ep.TSServiceName, localAddr)
}

func advertiseService(ctx context.Context, lc tailscaleLocalClient, name, localAddr string) (string, error) {
	service := tailcfg.ServiceName(strings.TrimSpace(name))
	if err := service.Validate(); err != nil {
		return "", fmt.Errorf("invalid tailscale service name %q: %w", name, err)
	}
	if strings.TrimSpace(localAddr) == "" {
		return "", fmt.Errorf("no local address to proxy service %q to", service)
	}

	status, err := lc.StatusWithoutPeers(ctx)
	if err != nil {
		return "", fmt.Errorf("get tailscale status: %w", err)
	}
	suffix := magicDNSSuffix(status)
	if suffix == "" {
		return "", fmt.Errorf("tailscale status has no MagicDNS suffix; enable MagicDNS for the tailnet")
	}
	host := service.WithoutPrefix() + "." + suffix

	serveConfig, err := lc.GetServeConfig(ctx)
	if err != nil {
		return "", fmt.Errorf("get tailscale serve config: %w", err)
	}
	if serveConfig == nil {
		serveConfig = &ipn.ServeConfig{}
	}
	want := serviceConfig(host, "http://"+localAddr)
	if !reflect.DeepEqual(serveConfig.Services[service], want) {
		if serveConfig.Services == nil {
			serveConfig.Services = map[tailcfg.ServiceName]*ipn.ServiceConfig{}
		}
		serveConfig.Services[service] = want
		if err := lc.SetServeConfig(ctx, serveConfig); err != nil {
			return "", fmt.Errorf("set tailscale serve config for %q: %w", service, err)
		}
	}

	prefs, err := lc.GetPrefs(ctx)
	if err != nil {
		return "", fmt.Errorf("get tailscale prefs: %w", err)
	}
	var advertised []string
	if prefs != nil {
		advertised = slices.Clone(prefs.AdvertiseServices)
	}
	if !slices.Contains(advertised, service.String()) {
		_, err := lc.EditPrefs(ctx, &ipn.MaskedPrefs{
			AdvertiseServicesSet: true,
			Prefs:                ipn.Prefs{AdvertiseServices: append(advertised, service.String())},
		})
		if err != nil {
			return "", fmt.Errorf("advertise tailscale service %q: %w", service, err)
		}
	}
	return "https://" + host, nil
}

func magicDNSSuffix(status *ipnstate.Status) string {
	if status == nil {
		return ""
	}
	if status.CurrentTailnet != nil {
		if suffix := strings.TrimSpace(status.CurrentTailnet.MagicDNSSuffix); suffix != "" {
			return suffix
		}
	}
	return strings.TrimSpace(status.MagicDNSSuffix)
}

func serviceConfig(host, proxyTarget string) *ipn.ServiceConfig {
	return &ipn.ServiceConfig{
		TCP: map[uint16]*ipn.TCPPortHandler{
			443: {HTTPS: true},
		},
		Web: map[ipn.HostPort]*ipn.WebServerConfig{
			ipn.HostPort(net.JoinHostPort(host, "443")): {
				Handlers: map[string]*ipn.HTTPHandler{
					"/": {Proxy: proxyTarget},
				},
			},
		},
	}
}
