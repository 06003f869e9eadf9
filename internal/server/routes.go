package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/swaggest/swgui/v5emb"

	"github.com/playperu/hunt/internal/live"
	"github.com/playperu/hunt/internal/metrics"
)

func addRoutes(r chi.Router, logger *slog.Logger, st Store, renderer Renderer, hub *live.Hub) {
	r.Get("/openapi.json", handleOpenAPI())
	r.Mount("/docs", v5emb.New("Hunt API", "/openapi.json", "/docs"))
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(st, logger))

		r.Get("/ws/hunt/ep/{episode}/pz/{puzzle}", handleLive(st, hub, logger))

		r.Route("/api/hunt/ep/{episode}", func(r chi.Router) {
			r.Get("/", handleEpisode(st, logger))
			r.Get("/pz/{puzzle}", handlePuzzle(st, renderer, logger))
			r.Post("/pz/{puzzle}/guess", handleGuess(st, logger))
			r.Post("/pz/{puzzle}/callback", handleCallback(st, renderer, logger))
		})

		r.Route("/api/admin", func(r chi.Router) {
			r.Use(adminMiddleware(st, logger))

			r.Post("/episodes", handleSave(logger, http.StatusCreated, saveEpisode(st)))
			r.Put("/episodes/{id}", handleSave(logger, http.StatusOK, saveEpisode(st)))
			r.Delete("/episodes/{id}", handleDelete(logger, func(r *http.Request, id int64) error {
				return st.DeleteEpisode(r.Context(), id)
			}))

			r.Post("/puzzles", handleSave(logger, http.StatusCreated, savePuzzle(st)))
			r.Put("/puzzles/{id}", handleSave(logger, http.StatusOK, savePuzzle(st)))
			r.Put("/puzzles/{id}/episode", handleSave(logger, http.StatusOK, addPuzzleToEpisode(st)))
			r.Delete("/puzzles/{id}", handleDelete(logger, func(r *http.Request, id int64) error {
				return st.DeletePuzzle(r.Context(), id)
			}))

			r.Post("/answers", handleSave(logger, http.StatusCreated, saveAnswer(st)))
			r.Put("/answers/{id}", handleSave(logger, http.StatusOK, saveAnswer(st)))
			r.Delete("/answers/{id}", handleDelete(logger, func(r *http.Request, id int64) error {
				return st.DeleteAnswer(r.Context(), id)
			}))

			r.Post("/unlocks", handleSave(logger, http.StatusCreated, saveUnlock(st)))
			r.Put("/unlocks/{id}", handleSave(logger, http.StatusOK, saveUnlock(st)))
			r.Delete("/unlocks/{id}", handleDelete(logger, func(r *http.Request, id int64) error {
				return st.DeleteUnlock(r.Context(), id)
			}))

			r.Post("/unlock-answers", handleSave(logger, http.StatusCreated, saveUnlockAnswer(st)))
			r.Put("/unlock-answers/{id}", handleSave(logger, http.StatusOK, saveUnlockAnswer(st)))
			r.Delete("/unlock-answers/{id}", handleDelete(logger, func(r *http.Request, id int64) error {
				return st.DeleteUnlockAnswer(r.Context(), id)
			}))

			r.Post("/hints", handleSave(logger, http.StatusCreated, saveHint(st)))
			r.Put("/hints/{id}", handleSave(logger, http.StatusOK, saveHint(st)))
			r.Delete("/hints/{id}", handleDelete(logger, func(r *http.Request, id int64) error {
				return st.DeleteHint(r.Context(), id)
			}))

			r.Put("/users/{user}/team", handleMoveUser(st, logger))
		})
	})
}
