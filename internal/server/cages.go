package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"cagewatch/internal/domain"
	"cagewatch/internal/engine"
	"cagewatch/internal/engine/auth"
)

type cagePath struct {
	CageID string `path:"cage_id"`
}

// loadCage fetches a cage and checks the caller may use it with perm.
func loadCage(ctx context.Context, e engine.Engine, id, perm string) (auth.Subject, domain.Cage, error) {
	subject, authErr := subjectFromContext(ctx)
	if authErr != nil {
		return auth.Subject{}, domain.Cage{}, authErr
	}
	if err := subject.Require(perm); err != nil {
		return subject, domain.Cage{}, err
	}
	c, err := e.GetCage(ctx, id)
	if err != nil {
		return subject, domain.Cage{}, err
	}
	if err := subject.RequireCage(perm, c); err != nil {
		return subject, domain.Cage{}, err
	}
	return subject, c, nil
}

func registerCages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-cages",
		Method:      http.MethodGet,
		Path:        "/cages",
		Summary:     "List cages",
		Tags:        []string{"cages"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OwnerID string `query:"owner_id"`
	}) (*struct {
		Body cageList `json:"body"`
	}, error) {
		subject, authErr := subjectFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := subject.Require(auth.PermCageRead); err != nil {
			return nil, handleError(err)
		}
		owner := input.OwnerID
		if scope := subject.OwnerScope(); scope != "" {
			owner = scope
		}
		items, err := e.ListCages(ctx, owner)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body cageList `json:"body"`
		}{Body: cageList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-cage",
		Method:        http.MethodPost,
		Path:          "/cages",
		Summary:       "Create cage",
		Tags:          []string{"cages"},
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateCageRequest `json:"body"`
	}) (*struct {
		Body domain.Cage `json:"body"`
	}, error) {
		subject, authErr := subjectFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ownerID := subject.ActorID
		if input.Body.OwnerID != nil {
			ownerID = *input.Body.OwnerID
		}
		if err := subject.RequireOwner(auth.PermCageWrite, ownerID); err != nil {
			return nil, handleError(err)
		}
		opts := engine.CageCreateOptions{
			Name:    input.Body.Name,
			OwnerID: ownerID,
			ActorID: subject.ActorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Location != nil {
			opts.Location = *input.Body.Location
		}
		c, err := e.CreateCage(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Cage `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-cage",
		Method:      http.MethodGet,
		Path:        "/cages/{cage_id}",
		Summary:     "Get cage",
		Tags:        []string{"cages"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *cagePath) (*struct {
		Body domain.Cage `json:"body"`
	}, error) {
		_, c, err := loadCage(ctx, e, input.CageID, auth.PermCageRead)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Cage `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-cage",
		Method:      http.MethodPatch,
		Path:        "/cages/{cage_id}",
		Summary:     "Update cage",
		Tags:        []string{"cages"},
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		CageID string            `path:"cage_id"`
		Body   UpdateCageRequest `json:"body"`
	}) (*struct {
		Body domain.Cage `json:"body"`
	}, error) {
		subject, _, err := loadCage(ctx, e, input.CageID, auth.PermCageWrite)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.OwnerID != nil && !subject.IsAdmin() {
			return nil, handleError(auth.ForbiddenError{Permission: auth.PermOwnerManage})
		}
		c, err := e.UpdateCage(ctx, engine.CageUpdateOptions{
			ID:       input.CageID,
			Name:     input.Body.Name,
			OwnerID:  input.Body.OwnerID,
			Location: input.Body.Location,
			ActorID:  subject.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Cage `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-cage",
		Method:        http.MethodDelete,
		Path:          "/cages/{cage_id}",
		Summary:       "Delete cage and its alerts",
		Tags:          []string{"cages"},
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *cagePath) (*struct{}, error) {
		subject, _, err := loadCage(ctx, e, input.CageID, auth.PermCageWrite)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteCage(ctx, input.CageID, subject.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cage-alerts",
		Method:      http.MethodGet,
		Path:        "/cages/{cage_id}/alerts",
		Summary:     "List alerts of a cage with delivery outcomes",
		Tags:        []string{"cages"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CageID string `path:"cage_id"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body alertList `json:"body"`
	}, error) {
		if _, _, err := loadCage(ctx, e, input.CageID, auth.PermCageRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListAlerts(ctx, input.CageID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Alert{}
		}
		return &struct {
			Body alertList `json:"body"`
		}{Body: alertList{Items: items}}, nil
	})
}
