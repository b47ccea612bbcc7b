// Package submitter drives the municipal request form with a headless Chrome
// session. The session is shared and stateful: callers must serialize Submit
// calls (the queue's single worker does).
package submitter

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/domain"
)

const (
	defaultSubmitTimeout = 120 * time.Second
	userAgent            = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
)

// Chrome implements domain.SolicitudSubmitter via chromedp. The Chrome
// profile directory persists the logged-in municipal session across runs.
type Chrome struct {
	baseURL    string
	profileDir string
	headless   bool
	timeout    time.Duration
	selectors  FormSelectors
	logger     *slog.Logger

	allocCtx    context.Context
	allocCancel context.CancelFunc
}

type ChromeConfig struct {
	BaseURL    string
	ProfileDir string
	Headless   bool
	Timeout    time.Duration  // per-submission cap, default 120s
	Selectors  *FormSelectors // nil = DefaultSelectors
	Logger     *slog.Logger
}

func NewChrome(cfg ChromeConfig) (*Chrome, error) {
	if cfg.ProfileDir == "" {
		home, _ := os.UserHomeDir()
		cfg.ProfileDir = filepath.Join(home, ".bacollab", "chrome-profile")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSubmitTimeout
	}
	if err := os.MkdirAll(cfg.ProfileDir, 0o755); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}
	sel := DefaultSelectors()
	if cfg.Selectors != nil {
		sel = *cfg.Selectors
	}

	c := &Chrome{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		profileDir: cfg.ProfileDir,
		headless:   cfg.Headless,
		timeout:    cfg.Timeout,
		selectors:  sel,
		logger:     cfg.Logger,
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(c.profileDir),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
		chromedp.UserAgent(userAgent),
	)
	if c.headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	c.allocCtx, c.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)

	return c, nil
}

// Close tears down the browser allocator. Called on shutdown.
func (c *Chrome) Close() error {
	if c.allocCancel != nil {
		c.allocCancel()
	}
	return nil
}

// Login opens a visible browser so the operator can establish the municipal
// session manually; cookies persist in the profile directory.
func (c *Chrome) Login(ctx context.Context) error {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(c.profileDir),
		chromedp.Flag("headless", false),
		chromedp.UserAgent(userAgent),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	if err := chromedp.Run(taskCtx, chromedp.Navigate(c.baseURL)); err != nil {
		return fmt.Errorf("navigate to login page: %w", err)
	}
	c.logger.Info("browser opened, log in manually and press Ctrl+C when done", "url", c.baseURL)
	<-ctx.Done()
	c.logger.Info("login session saved", "profile", c.profileDir)
	return nil
}

// Submit files one request on the municipal form and classifies the result.
func (c *Chrome) Submit(ctx context.Context, job *domain.SubmissionJob) (*domain.SubmitOutcome, error) {
	path, ok := formPaths[job.Draft.ReportType]
	if !ok {
		return &domain.SubmitOutcome{ErrorText: "tipo de solicitud desconocido: " + string(job.Draft.ReportType)}, nil
	}

	taskCtx, cancel := chromedp.NewContext(c.allocCtx)
	defer cancel()
	taskCtx, timeoutCancel := context.WithTimeout(taskCtx, c.timeout)
	defer timeoutCancel()

	url := c.baseURL + path
	c.logger.Info("submitting request", "job", job.ID, "type", job.Draft.ReportType, "url", url)

	if err := chromedp.Run(taskCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
	); err != nil {
		return nil, fmt.Errorf("open form: %w", err)
	}

	// An expired session redirects to the login form.
	if visible, _ := c.exists(taskCtx, c.selectors.LoginForm); visible {
		return nil, fmt.Errorf("login required: municipal session expired")
	}

	if err := c.fillForm(taskCtx, job); err != nil {
		return nil, err
	}

	if err := chromedp.Run(taskCtx,
		chromedp.Click(c.selectors.SubmitButton, chromedp.ByQuery),
		chromedp.Sleep(2*time.Second),
	); err != nil {
		return nil, fmt.Errorf("click submit: %w", err)
	}

	return c.readOutcome(taskCtx)
}

func (c *Chrome) fillForm(ctx context.Context, job *domain.SubmissionJob) error {
	d := &job.Draft

	if err := chromedp.Run(ctx,
		chromedp.WaitVisible(c.selectors.AddressInput, chromedp.ByQuery),
		chromedp.SendKeys(c.selectors.AddressInput, d.Address, chromedp.ByQuery),
		chromedp.Sleep(1500*time.Millisecond),
	); err != nil {
		return fmt.Errorf("fill address: %w", err)
	}
	// Accept the first geocoder suggestion when the widget offers one.
	if visible, _ := c.exists(ctx, c.selectors.AddressSuggest); visible {
		if err := chromedp.Run(ctx, chromedp.Click(c.selectors.AddressSuggest, chromedp.ByQuery)); err != nil {
			return fmt.Errorf("pick address suggestion: %w", err)
		}
	}

	type fieldFill struct {
		selector string
		value    string
		isSelect bool
	}
	var fills []fieldFill
	switch d.ReportType {
	case domain.ReportRecoleccion:
		fills = append(fills, fieldFill{c.selectors.ContainerSelect, d.ContainerType, true})
	case domain.ReportManteros:
		fills = append(fills, fieldFill{c.selectors.ScheduleInput, d.Schedule, false})
	case domain.ReportPuestoDiarios, domain.ReportPuestoFlores:
		fills = append(fills, fieldFill{c.selectors.SituationSelect, d.SituationType, true})
	case domain.ReportVehiculo:
		fills = append(fills,
			fieldFill{c.selectors.PlateInput, d.Patente, false},
			fieldFill{c.selectors.TimeInput, d.InfractionTime, false},
		)
	}
	for _, f := range fills {
		if f.value == "" {
			continue
		}
		var action chromedp.Action
		if f.isSelect {
			action = chromedp.SetAttributeValue(f.selector, "value", f.value, chromedp.ByQuery)
		} else {
			action = chromedp.SendKeys(f.selector, f.value, chromedp.ByQuery)
		}
		if err := chromedp.Run(ctx, action); err != nil {
			return fmt.Errorf("fill form field %s: %w", f.selector, err)
		}
	}

	for _, photo := range d.PhotoPaths {
		if _, err := os.Stat(photo); err != nil {
			c.logger.Warn("photo missing at submit time, skipping", "path", photo)
			continue
		}
		if err := chromedp.Run(ctx,
			chromedp.SetUploadFiles(c.selectors.PhotoInput, []string{photo}, chromedp.ByQuery),
			chromedp.Sleep(time.Second),
		); err != nil {
			return fmt.Errorf("upload photo: %w", err)
		}
	}
	return nil
}

// readOutcome scrapes the post-submit page: a reference number means
// success; a validation message is classified into a missing field when its
// text allows it.
func (c *Chrome) readOutcome(ctx context.Context) (*domain.SubmitOutcome, error) {
	var refText string
	if visible, _ := c.exists(ctx, c.selectors.ReferenceText); visible {
		if err := chromedp.Run(ctx, chromedp.Text(c.selectors.ReferenceText, &refText, chromedp.ByQuery)); err == nil {
			ref := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(refText), "#"))
			return &domain.SubmitOutcome{Success: true, ReferenceID: ref}, nil
		}
	}

	var errText string
	if visible, _ := c.exists(ctx, c.selectors.ValidationError); visible {
		_ = chromedp.Run(ctx, chromedp.Text(c.selectors.ValidationError, &errText, chromedp.ByQuery))
	}
	errText = strings.TrimSpace(errText)
	if errText == "" {
		// No reference and no visible error: treat as success without id,
		// the site sometimes confirms without showing the number.
		return &domain.SubmitOutcome{Success: true}, nil
	}

	if field, question, ok := classifyValidation(errText); ok {
		return &domain.SubmitOutcome{NeedsInfo: true, Field: field, Question: question}, nil
	}
	return &domain.SubmitOutcome{ErrorText: errText}, nil
}

// classifyValidation maps the form's validation text to the field to ask for.
func classifyValidation(text string) (domain.FieldTag, string, bool) {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "foto") || strings.Contains(lower, "imagen"):
		return domain.FieldPhoto, "El formulario pide una foto. ¿Me la pasás?", true
	case strings.Contains(lower, "horario"):
		return domain.FieldSchedule, "El formulario pide el horario. ¿En qué horario pasa?", true
	case strings.Contains(lower, "direccion") || strings.Contains(lower, "dirección") || strings.Contains(lower, "altura"):
		return domain.FieldAddress, "El formulario no acepta la dirección. ¿Me pasás calle y altura de nuevo?", true
	}
	return "", "", false
}

func (c *Chrome) exists(ctx context.Context, selector string) (bool, error) {
	var found bool
	err := chromedp.Run(ctx, chromedp.Evaluate(
		fmt.Sprintf(`document.querySelector(%q) !== null`, selector), &found,
	))
	return found, err
}
