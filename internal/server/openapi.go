package server

import (
	"encoding/json"
	"net/http"
	"slices"

	openapi "github.com/swaggest/openapi-go"
	"github.com/swaggest/openapi-go/openapi3"
)

type operation struct {
	method, path, summary, description string
	params                             any
	req                                any
	resp                               any
	status                             int
	errors                             []int
}

type episodePath struct {
	Episode int `path:"episode"`
}

type puzzlePath struct {
	Episode int `path:"episode"`
	Puzzle  int `path:"puzzle"`
}

type idPath struct {
	ID int64 `path:"id"`
}

type userPath struct {
	User int64 `path:"user"`
}

var playerErrors = []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict}

var adminErrors = []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound}

func adminCRUD(path, name string, body any) []operation {
	return []operation{
		{http.MethodPost, "/api/admin/" + path, "Create " + name, "Creates a " + name + ". Event admins only.", nil, body, body, http.StatusCreated, adminErrors},
		{http.MethodPut, "/api/admin/" + path + "/{id}", "Update " + name, "Replaces a " + name + ". Event admins only.", idPath{}, body, body, http.StatusOK, adminErrors},
		{http.MethodDelete, "/api/admin/" + path + "/{id}", "Delete " + name, "Deletes a " + name + ". Event admins only.", idPath{}, nil, nil, http.StatusNoContent, adminErrors},
	}
}

func newOpenAPISpec() *openapi3.Spec {
	r := openapi3.NewReflector()
	r.Spec.Info.Title = "Hunt API"
	r.Spec.Info.Version = "0.1.0"
	r.Spec.Info.WithDescription("Puzzle hunt progression and live updates. Requests carry `Authorization: Bearer <token>`.")

	ops := []operation{
		{http.MethodGet, "/healthz", "Health check", "Returns the health status of backend dependencies.", nil, nil, map[string]struct {
			Status string `json:"status"`
		}{}, http.StatusOK, []int{http.StatusServiceUnavailable}},
		{http.MethodGet, "/api/hunt/ep/{episode}", "Episode view", "Progress of the user's team through the episode at the given ordinal.", episodePath{}, nil, EpisodeResponse{}, http.StatusOK, playerErrors},
		{http.MethodGet, "/api/hunt/ep/{episode}/pz/{puzzle}", "Puzzle view", "Rendered puzzle with the team's answers, unlocks and hints.", puzzlePath{}, nil, PuzzleResponse{}, http.StatusOK, slices.Concat(playerErrors, []int{http.StatusInternalServerError})},
		{http.MethodPost, "/api/hunt/ep/{episode}/pz/{puzzle}/guess", "Submit guess", "Records a guess. A 409 with reason cooldown carries Retry-After.", puzzlePath{}, GuessRequest{}, GuessResponse{}, http.StatusCreated, slices.Concat(playerErrors, []int{http.StatusBadRequest})},
		{http.MethodPost, "/api/hunt/ep/{episode}/pz/{puzzle}/callback", "Puzzle callback", "Runs the puzzle's callback script with the request data.", puzzlePath{}, CallbackRequest{}, CallbackResponse{}, http.StatusOK, slices.Concat(playerErrors, []int{http.StatusInternalServerError})},
		{http.MethodGet, "/ws/hunt/ep/{episode}/pz/{puzzle}", "Live updates", "Upgrades to a WebSocket streaming guesses, unlocks and hints for the team. The token may be passed as a query parameter.", puzzlePath{}, nil, nil, http.StatusSwitchingProtocols, playerErrors},
	}
	ops = append(ops, adminCRUD("episodes", "episode", EpisodeBody{})...)
	ops = append(ops, adminCRUD("puzzles", "puzzle", PuzzleBody{})...)
	ops = append(ops,
		operation{http.MethodPut, "/api/admin/puzzles/{id}/episode", "Add puzzle to episode", "Appends an episode-less puzzle to an episode.", idPath{}, EpisodeMembershipRequest{}, PuzzleBody{}, http.StatusOK, adminErrors},
	)
	ops = append(ops, adminCRUD("answers", "answer", AnswerBody{})...)
	ops = append(ops, adminCRUD("unlocks", "unlock", UnlockBody{})...)
	ops = append(ops, adminCRUD("unlock-answers", "unlock answer", UnlockAnswerBody{})...)
	ops = append(ops, adminCRUD("hints", "hint", HintBody{})...)
	ops = append(ops,
		operation{http.MethodPut, "/api/admin/users/{user}/team", "Move user", "Moves a user to a team of the current event. Their guesses follow them.", userPath{}, TeamMoveRequest{}, nil, http.StatusNoContent, adminErrors},
	)

	for _, op := range ops {
		oc, err := r.NewOperationContext(op.method, op.path)
		if err != nil {
			continue
		}
		oc.SetSummary(op.summary)
		oc.SetDescription(op.description)
		if op.params != nil {
			oc.AddReqStructure(op.params)
		}
		if op.req != nil {
			oc.AddReqStructure(op.req)
		}
		switch op.status {
		case http.StatusSwitchingProtocols:
			oc.AddRespStructure(nil, openapi.WithHTTPStatus(op.status), openapi.WithContentType("text/plain"))
		default:
			oc.AddRespStructure(op.resp, openapi.WithHTTPStatus(op.status))
		}
		for _, status := range op.errors {
			oc.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(status))
		}
		_ = r.AddOperation(oc)
	}

	return r.Spec
}

func handleOpenAPI() http.HandlerFunc {
	spec := newOpenAPISpec()
	data, _ := json.MarshalIndent(spec, "", "  ")

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}
}
