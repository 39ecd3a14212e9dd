package cli

import (
	"fmt"
	"strings"

	"github.com/prodo-dev/plz/internal/paths"
	"github.com/prodo-dev/plz/internal/tlsbootstrap"
)

type TLSCommand struct {
	Init TLSInitCommand `cmd:"" help:"Create a CA and server certificate for https endpoints"`
}

type TLSInitCommand struct {
	Dir   string   `help:"Directory for the TLS material (default: the plz TLS directory)" type:"path"`
	Host  []string `help:"Extra DNS name or IP for the server certificate"`
	Force bool     `help:"Replace existing TLS material"`
}

func (t *TLSInitCommand) Run(ctx *runtimeContext) error {
	dir := t.Dir
	if strings.TrimSpace(dir) == "" {
		var err error
		if dir, err = paths.TLSDir(); err != nil {
			return err
		}
	}
	res, err := tlsbootstrap.Init(tlsbootstrap.Options{Dir: dir, Force: t.Force, Hosts: t.Host})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(ctx.Stdout, "ca: %s\ncert: %s\nkey: %s\nhosts: %s\nexpires: %s\n",
		res.CAPath, res.CertPath, res.KeyPath, strings.Join(res.Hosts, ", "), res.NotAfter.UTC().Format("2006-01-02"))
	return err
}
