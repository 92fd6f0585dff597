package server

import (
	"net/http"
	"sort"

	gateway "github.com/hermesgw/hermes/internal"
	"github.com/hermesgw/hermes/internal/modelnorm"
)

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

const modelsCacheKey = "models"

// handleListModels returns one canonical entry per model family aggregated
// across active providers. Clients request the canonical name; the dispatcher
// maps it back to whatever each provider calls it. The aggregated list is
// cached because SDKs tend to poll it.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	if resp, ok := s.modelsCache.Get(modelsCacheKey); ok {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	providers, err := s.deps.Catalog.GetAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	lists := make([][]string, 0, len(providers))
	var oldest int64
	for _, p := range providers {
		if p.Status != gateway.ProviderActive {
			continue
		}
		lists = append(lists, p.Models)
		if created := p.CreatedAt.Unix(); oldest == 0 || created < oldest {
			oldest = created
		}
	}

	maps := modelnorm.BuildAliasMaps(lists)
	data := make([]modelEntry, 0, len(maps.CanonicalToVariants))
	for canonical := range maps.CanonicalToVariants {
		data = append(data, modelEntry{
			ID:      canonical,
			Object:  "model",
			Created: oldest,
			OwnedBy: "hermes-gateway",
		})
	}
	sort.Slice(data, func(i, j int) bool { return data[i].ID < data[j].ID })

	resp := modelListResponse{Object: "list", Data: data}
	s.modelsCache.Set(modelsCacheKey, resp)
	writeJSON(w, http.StatusOK, resp)
}
