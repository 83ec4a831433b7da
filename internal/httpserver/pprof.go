package httpserver

import (
	"crypto/subtle"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"runtime"
	"strings"

	"github.com/go-chi/chi/v5"

	logx "trellis/pkg/logx"
)

// PprofConfig mounts net/http/pprof on the main router.
//
// Without a token the endpoints are only mounted when the listener is
// loopback-only or AllowInsecure is set.
type PprofConfig struct {
	Enabled       bool
	Prefix        string
	Token         string
	AllowInsecure bool

	MutexProfileFraction int
	BlockProfileRate     int
	MemProfileRate       int
}

func (s *Server) mountPprof(r chi.Router, cfg Config) {
	pc := cfg.Pprof
	if !pc.Enabled {
		return
	}
	tok := strings.TrimSpace(pc.Token)
	if tok == "" && !pc.AllowInsecure && !isLoopbackAddr(cfg.Addr) {
		s.log.Error("pprof not mounted: non-loopback addr requires token or allow_insecure",
			logx.String("addr", cfg.Addr),
		)
		return
	}
	if tok == "" && pc.AllowInsecure && !isLoopbackAddr(cfg.Addr) {
		s.log.Warn("pprof mounted without token on non-loopback addr (insecure)", logx.String("addr", cfg.Addr))
	}

	prefix := normalizePrefix(pc.Prefix)
	base := strings.TrimSuffix(prefix, "/")
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withToken(tok, h) }

	r.Get(base, func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, prefix, http.StatusPermanentRedirect)
	})
	r.HandleFunc(base+"/cmdline", wrap(hpprof.Cmdline))
	r.HandleFunc(base+"/profile", wrap(hpprof.Profile))
	r.HandleFunc(base+"/symbol", wrap(hpprof.Symbol))
	r.HandleFunc(base+"/trace", wrap(hpprof.Trace))
	r.HandleFunc(prefix+"*", wrap(pprofIndexAt(prefix)))
}

// withToken accepts "Authorization: Bearer <token>" or "?token=<token>".
func withToken(token string, h http.HandlerFunc) http.HandlerFunc {
	if token == "" {
		return h
	}
	ok := func(got string) bool {
		return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if ok(got) {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && ok(strings.TrimSpace(ah[len(p):])) {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "unauthorized", "")
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// pprof.Index only serves paths rooted at /debug/pprof/.
func pprofIndexAt(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + strings.TrimPrefix(r.URL.Path, prefix)
		hpprof.Index(w, r2)
	}
}

// applyRuntimeRates sets profiling rates; zero keeps the Go default.
func applyRuntimeRates(cfg PprofConfig) {
	if cfg.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
	if cfg.MemProfileRate > 0 {
		runtime.MemProfileRate = cfg.MemProfileRate
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
