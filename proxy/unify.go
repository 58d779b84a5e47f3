package proxy

import (
	"net/http"
	"strings"
)

// unifyHandler multiplexes the shared port: requests arrive with a
// /{chainType}/{chainName} prefix which picks the chain and is stripped
// before the chain router sees the request.
func (s *Service) unifyHandler() http.Handler {
	byName := make(map[string]*Router, len(s.routers))
	types := make(map[string]string, len(s.routers))
	for _, chain := range s.cfg.AllChains() {
		byName[chain.Name] = s.routers[chain.Name]
		types[chain.Name] = chain.ChainType
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		trimmed := strings.TrimPrefix(r.URL.Path, "/")
		parts := strings.SplitN(trimmed, "/", 3)
		if len(parts) < 2 {
			http.Error(w, "expected /{chainType}/{chainName}/ prefix", http.StatusNotFound)
			return
		}
		chainType, chainName := parts[0], parts[1]

		rt, ok := byName[chainName]
		if !ok {
			http.Error(w, "unknown chain "+chainName, http.StatusNotFound)
			return
		}
		if ct := types[chainName]; ct != "" && ct != chainType {
			http.Error(w, "chain type mismatch for "+chainName, http.StatusNotFound)
			return
		}

		rest := "/"
		if len(parts) == 3 {
			rest += parts[2]
		}
		r2 := r.Clone(r.Context())
		r2.URL.Path = rest
		r2.URL.RawPath = ""
		rt.ServeHTTP(w, r2)
	})
}
