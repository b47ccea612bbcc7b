// Package social cross-posts successful submissions to X. Posting is best
// effort by contract: no error here may fail the submission that triggered it.
package social

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/domain"
)

const defaultAPIBase = "https://api.twitter.com/2"

// XPoster implements domain.SocialPoster against the X API v2.
type XPoster struct {
	apiBase     string
	bearerToken string
	client      *http.Client
	logger      *slog.Logger
}

type XConfig struct {
	APIBase     string
	BearerToken string
	Logger      *slog.Logger
}

func NewXPoster(cfg XConfig) *XPoster {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	return &XPoster{
		apiBase:     cfg.APIBase,
		bearerToken: cfg.BearerToken,
		client:      &http.Client{Timeout: 30 * time.Second},
		logger:      cfg.Logger,
	}
}

// Post publishes a short status about the submission.
func (x *XPoster) Post(ctx context.Context, p domain.SocialPost) error {
	text := fmt.Sprintf("Solicitud de %s en %s", labelFor(p.ReportType), p.Address)
	if p.ReferenceID != "" {
		text += " #" + p.ReferenceID
	}

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("marshal tweet: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", x.apiBase+"/tweets", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+x.bearerToken)

	resp, err := x.client.Do(req)
	if err != nil {
		return fmt.Errorf("post tweet: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("x API %d: %s", resp.StatusCode, string(respBody))
	}

	x.logger.Info("cross-posted to X", "address", p.Address, "ref", p.ReferenceID)
	return nil
}

func labelFor(rt domain.ReportType) string {
	switch rt {
	case domain.ReportRecoleccion:
		return "recolección de residuos"
	case domain.ReportBarrido:
		return "barrido"
	case domain.ReportObstruccion:
		return "obstrucción de vereda"
	case domain.ReportOcupacionComercial:
		return "ocupación comercial"
	case domain.ReportOcupacionGastronomica:
		return "ocupación gastronómica"
	case domain.ReportManteros:
		return "venta ambulante"
	case domain.ReportPuestoDiarios:
		return "puesto de diarios"
	case domain.ReportPuestoFlores:
		return "puesto de flores"
	case domain.ReportVehiculo:
		return "vehículo mal estacionado"
	}
	return string(rt)
}
