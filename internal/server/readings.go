package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"cagewatch/internal/domain"
	"cagewatch/internal/engine"
	"cagewatch/internal/engine/auth"
	"cagewatch/internal/observability"
)

const normalReadingMessage = "Water quality is within normal range."

func registerReadings(api huma.API, e engine.Engine, metrics *observability.Metrics) {
	huma.Register(api, huma.Operation{
		OperationID: "ingest-reading",
		Method:      http.MethodPost,
		Path:        "/iot/data",
		Summary:     "Submit a sensor reading",
		Description: "Stores the reading on its cage and evaluates it. Abnormal readings return 202 with the relocation target; owner notifications are sent in the background.",
		Tags:        []string{"readings"},
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body domain.SensorPayload `json:"body"`
	}) (*struct {
		Status int
		Body   IngestResponse `json:"body"`
	}, error) {
		subject, authErr := subjectFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := subject.Require(auth.PermReadingWrite); err != nil {
			return nil, handleError(err)
		}
		out, err := e.Ingest(ctx, input.Body.Reading(), subject.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		metrics.Reading("http", out.Verdict.Abnormal)
		if !out.Verdict.Abnormal || out.Target == nil {
			return &struct {
				Status int
				Body   IngestResponse `json:"body"`
			}{Status: http.StatusOK, Body: IngestResponse{Message: normalReadingMessage}}, nil
		}
		return &struct {
			Status int
			Body   IngestResponse `json:"body"`
		}{Status: http.StatusAccepted, Body: IngestResponse{
			Move:        out.Target,
			AlertID:     out.AlertID,
			Explanation: out.Verdict.Explanation,
		}}, nil
	})
}
