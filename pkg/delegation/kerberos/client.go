package kerberos

import (
	"context"
	"fmt"
	"time"

	krb5config "github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/types"

	gwerrors "github.com/nexusgate/resource-gateway/pkg/errors"
)

// selfTicket is the intermediate S4U2Self result: a forwardable ticket for
// the user, addressed to the service itself, plus the session key needed
// to present it in a subsequent S4U2Proxy request.
type selfTicket struct {
	tkt        messages.Ticket
	sessionKey types.EncryptionKey
}

// kdcClient is the narrow seam this module needs from a Kerberos client,
// isolating the library's S4U call shape from the cache/allow-list/
// renewal logic so that logic is testable without a live KDC.
type kdcClient interface {
	// s4u2Self obtains a forwardable ticket for userPrincipal, issued to
	// the service itself.
	s4u2Self(ctx context.Context, userPrincipal string) (*selfTicket, error)
	// s4u2Proxy presents self to request a service ticket for targetSPN
	// on userPrincipal's behalf.
	s4u2Proxy(ctx context.Context, self *selfTicket, targetSPN string) (time.Time, error)
	// clockSkew reports the offset between this client's clock and the
	// KDC's, as observed on the most recent exchange.
	clockSkew() time.Duration
	close()
}

// KeytabSource configures TGT acquisition via a service keytab.
type KeytabSource struct {
	Username string
	Realm    string
	KeytabPath string
}

// PasswordSource configures TGT acquisition via a service password.
type PasswordSource struct {
	Username string
	Realm    string
	Password string
}

// gokrb5Client adapts github.com/jcmturner/gokrb5/v8's client.Client to
// the kdcClient seam. The exact S4U2Self/S4U2Proxy call shape follows
// gokrb5's public API directly; no example usage of the library's
// constrained-delegation extensions survived retrieval to ground it
// against, so this adapter is kept as the sole translation point and
// everything above it (cache, allow-list, renewal, locking) is exercised
// in tests against a fake kdcClient instead.
type gokrb5Client struct {
	cl   *client.Client
	skew time.Duration
}

func newGokrb5Client(krb5ConfPath string, keytabSrc *KeytabSource, passwordSrc *PasswordSource) (*gokrb5Client, error) {
	cfg, err := krb5config.Load(krb5ConfPath)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindConfigInvalid, "failed to load krb5.conf", err)
	}

	var cl *client.Client
	switch {
	case keytabSrc != nil:
		kt, err := keytab.Load(keytabSrc.KeytabPath)
		if err != nil {
			return nil, gwerrors.Wrap(gwerrors.KindConfigInvalid, "failed to load keytab", err)
		}
		cl = client.NewWithKeytab(keytabSrc.Username, keytabSrc.Realm, kt, cfg)
	case passwordSrc != nil:
		cl = client.NewWithPassword(passwordSrc.Username, passwordSrc.Realm, passwordSrc.Password, cfg)
	default:
		return nil, gwerrors.New(gwerrors.KindConfigInvalid, "kerberos module requires a keytab or password source")
	}

	if err := cl.Login(); err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindKDCUnreachable, "failed to obtain TGT", err)
	}

	return &gokrb5Client{cl: cl}, nil
}

func (g *gokrb5Client) s4u2Self(_ context.Context, userPrincipal string) (*selfTicket, error) {
	username, domain, err := splitPrincipal(userPrincipal)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindDelegationFailed, "invalid user principal", err)
	}

	tkt, key, err := g.cl.S4U2Self(username, domain)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindKDCUnreachable, "S4U2Self failed", err)
	}
	return &selfTicket{tkt: tkt, sessionKey: key}, nil
}

func (g *gokrb5Client) s4u2Proxy(_ context.Context, self *selfTicket, targetSPN string) (time.Time, error) {
	tkt, _, err := g.cl.S4U2Proxy(self.tkt, self.sessionKey, targetSPN)
	if err != nil {
		return time.Time{}, gwerrors.Wrap(gwerrors.KindKDCUnreachable, "S4U2Proxy failed", err)
	}
	return tkt.DecryptedEncPart.EndTime, nil
}

// clockSkew returns g.skew. This adapter does not measure the offset to
// the KDC and never assigns skew, so it always reports zero.
func (g *gokrb5Client) clockSkew() time.Duration {
	return g.skew
}

func (g *gokrb5Client) close() {
	g.cl.Destroy()
}

func splitPrincipal(userPrincipal string) (username, realm string, err error) {
	for i := len(userPrincipal) - 1; i >= 0; i-- {
		if userPrincipal[i] == '@' {
			return userPrincipal[:i], userPrincipal[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("principal %q is not of the form user@REALM", userPrincipal)
}
