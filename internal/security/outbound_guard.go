package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// OutboundGuard は認証バックエンドへの送信先を制限する。
type OutboundGuard interface {
	// NewClient は送信先の検証付きHTTPクライアントを生成する。
	// プライベートネットワークを許可しない場合、safeurlによりDNS解決後のIPアドレスも検証される。
	NewClient(timeout time.Duration) *http.Client

	// ValidateBackendURL は認証バックエンドのベースURLを事前に検証する。
	ValidateBackendURL(rawURL string) error
}

// blockedNetworks はプライベートネットワークを許可しない場合にブロックするネットワーク範囲。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		// プライベートIPアドレス (RFC 1918)
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		// ループバック (RFC 1122)
		"127.0.0.0/8",
		// リンクローカル (RFC 3927) - クラウドメタデータIP (169.254.169.254) を含む
		"169.254.0.0/16",
		// カレントネットワーク
		"0.0.0.0/8",
		// IPv6ループバック
		"::1/128",
		// IPv6リンクローカル
		"fe80::/10",
		// IPv6ユニークローカル
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// outboundGuard はOutboundGuardの実装。
type outboundGuard struct {
	allowPrivate bool
	allowedPorts []int
}

// NewOutboundGuard はOutboundGuardを生成する。
// allowPrivate が true の場合はローカル開発用にループバックやプライベートIPへの送信とhttpを許可する。
// allowedPorts が空の場合は443のみ許可する。
func NewOutboundGuard(allowPrivate bool, allowedPorts ...int) *outboundGuard {
	if len(allowedPorts) == 0 {
		allowedPorts = []int{443}
	}
	return &outboundGuard{allowPrivate: allowPrivate, allowedPorts: allowedPorts}
}

// NewClient は送信先の検証付きHTTPクライアントを生成する。
func (g *outboundGuard) NewClient(timeout time.Duration) *http.Client {
	if g.allowPrivate {
		return &http.Client{Timeout: timeout}
	}

	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("https").
		SetAllowedPorts(g.allowedPorts...).
		Build()

	return safeurl.Client(config).Client
}

// ValidateBackendURL は認証バックエンドのベースURLを検証する。
// DNS解決を伴わない静的な検証のため、DNS再バインディングは NewClient 側で防止する。
func (g *outboundGuard) ValidateBackendURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	switch {
	case scheme == "https":
	case scheme == "http" && g.allowPrivate:
	default:
		return fmt.Errorf("disallowed scheme: %q", scheme)
	}

	if parsed.User != nil {
		return fmt.Errorf("credentials in URL are not allowed")
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return fmt.Errorf("query and fragment are not allowed in a base URL")
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	if g.allowPrivate {
		return nil
	}

	if port := parsed.Port(); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || !g.portAllowed(n) {
			return fmt.Errorf("disallowed port: %s", port)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}

	return nil
}

func (g *outboundGuard) portAllowed(port int) bool {
	for _, p := range g.allowedPorts {
		if p == port {
			return true
		}
	}
	return false
}

// isBlockedIP はIPアドレスがブロック対象のネットワーク範囲に含まれるかを検証する。
func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// compile-time interface check
var _ OutboundGuard = (*outboundGuard)(nil)
