package api

import (
	"net/http"

	"jugarenchile.com/tawk-relay/internal/config"
	"jugarenchile.com/tawk-relay/internal/logging"
)

func (h *APIHandler) ResetStatsHandler(w http.ResponseWriter, r *http.Request) {
	before := h.generator.Stats()
	h.generator.ResetStats()
	logging.Ctx(r.Context()).Info().Str("operator", OperatorFromContext(r.Context())).Msg("Usage stats reset")
	respondJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"message":  "Estadísticas reiniciadas",
		"previous": before,
	})
}

// ReloadCorpusHandler swaps in the corpus file from disk. A failed reload
// leaves the current corpus in place.
func (h *APIHandler) ReloadCorpusHandler(w http.ResponseWriter, r *http.Request) {
	log := logging.Ctx(r.Context())
	if err := h.corpus.Reload(); err != nil {
		log.Error().Err(err).Msg("Corpus reload failed")
		respondError(w, http.StatusInternalServerError, "No se pudo recargar la base de conocimiento", map[string]any{"detail": err.Error()})
		return
	}
	info := h.corpus.Info()
	mode := h.generator.RetrievalMode()
	log.Info().
		Str("operator", OperatorFromContext(r.Context())).
		Int("chunks", info.TotalChunks).
		Int("dimension", info.EmbeddingDimension).
		Str("retrieval_mode", mode).
		Msg("Corpus reloaded")

	resp := map[string]any{
		"success":       true,
		"message":       "Base de conocimiento recargada",
		"corpus":        info,
		"retrievalMode": mode,
	}
	// The retrieval mode is fixed at startup; a reload cannot switch it.
	if mode == config.RetrievalKeyword && info.EmbeddingDimension > 0 {
		log.Warn().Msg("Reloaded corpus has vectors but keyword retrieval stays active until restart")
		resp["warning"] = "El corpus tiene vectores pero la búsqueda sigue por palabras clave hasta reiniciar el servicio"
	}
	if mode == config.RetrievalVector && info.EmbeddingDimension == 0 {
		log.Warn().Msg("Reloaded corpus has no vectors, vector retrieval will fail until a vector corpus is loaded")
		resp["warning"] = "El corpus no tiene vectores; la búsqueda vectorial no devolverá contexto"
	}
	respondJSON(w, http.StatusOK, resp)
}

// FlushCacheHandler clears the whole backend, realtime counters included.
func (h *APIHandler) FlushCacheHandler(w http.ResponseWriter, r *http.Request) {
	log := logging.Ctx(r.Context())
	if err := h.cache.FlushAll(r.Context()); err != nil {
		log.Error().Err(err).Msg("Cache flush failed")
		respondError(w, http.StatusInternalServerError, "No se pudo limpiar el caché", map[string]any{"detail": err.Error()})
		return
	}
	log.Info().Str("operator", OperatorFromContext(r.Context())).Str("backend", h.cache.Name()).Msg("Cache flushed")
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Caché limpiado",
		"backend": h.cache.Name(),
	})
}
