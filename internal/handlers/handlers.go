package handlers

import (
	"embed"
	"encoding/base64"
	"errors"
	"html/template"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/example/store-classifier/internal/auth"
	"github.com/example/store-classifier/internal/imageprocessor"
	"github.com/example/store-classifier/internal/model"
	"github.com/example/store-classifier/internal/usecase"
)

// MaxUploadSize caps a single image upload.
const MaxUploadSize = 10 << 20

// multipart framing allowed on top of MaxUploadSize before the body is cut off
const formOverhead = 1 << 20

//go:embed templates/*.html
var templateFS embed.FS

var pageTemplate = template.Must(template.New("").ParseFS(templateFS, "templates/*.html"))

var contentTypeExtensions = map[string]string{
	"image/jpeg": "jpg",
	"image/jpg":  "jpg",
	"image/png":  "png",
	"image/webp": "webp",
}

var errTooLarge = errors.New("image exceeds upload limit")

// Options configures the page.
type Options struct {
	Title             string
	AllowedExtensions []string
}

type page struct {
	Title          string
	Classes        []string
	Formats        string
	Accept         string
	ModelAvailable bool
	ModelError     string
	Outcome        *usecase.Outcome
	Preview        template.URL
	Error          string
	Warning        string
}

type routes struct {
	uc      *usecase.ClassificationUseCase
	opts    Options
	allowed map[string]bool
}

// RegisterRoutes wires the HTTP handlers to the Gin router. apiMiddleware
// guards the JSON API; the page itself stays public.
func RegisterRoutes(router *gin.Engine, uc *usecase.ClassificationUseCase, opts Options, apiMiddleware gin.HandlerFunc) {
	if apiMiddleware == nil {
		apiMiddleware = auth.Optional("", "")
	}
	if len(opts.AllowedExtensions) == 0 {
		opts.AllowedExtensions = []string{"jpg", "jpeg", "png", "webp"}
	}
	r := &routes{uc: uc, opts: opts, allowed: make(map[string]bool)}
	for _, ext := range opts.AllowedExtensions {
		r.allowed[strings.ToLower(strings.TrimPrefix(ext, "."))] = true
	}

	router.SetHTMLTemplate(pageTemplate)

	router.GET("/health", r.health)
	router.GET("/", r.index)
	router.POST("/classify", r.classifyPage)

	api := router.Group("/api", apiMiddleware)
	api.POST("/classify", r.classifyJSON)
	api.GET("/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, uc.GetMetricsSummary())
	})
}

func (r *routes) health(c *gin.Context) {
	h := r.uc.ModelStatus()
	body := gin.H{"status": "ok", "model": "available"}
	if !h.Available() {
		body["model"] = "unavailable"
		body["error"] = h.Err().Error()
	}
	c.JSON(http.StatusOK, body)
}

func (r *routes) index(c *gin.Context) {
	c.HTML(http.StatusOK, "page", r.newPage())
}

func (r *routes) classifyPage(c *gin.Context) {
	p := r.newPage()

	upload, status, err := r.readUpload(c)
	if err != nil {
		p.Error = uploadMessage(status)
		c.HTML(status, "page", p)
		return
	}

	outcome, err := r.uc.Classify(c.Request.Context(), upload)
	p.Outcome = outcome
	if outcome.Image.Format != "" {
		p.Preview = template.URL("data:image/" + outcome.Image.Format + ";base64," + base64.StdEncoding.EncodeToString(upload.Data))
	}

	status = http.StatusOK
	if err != nil {
		status, message := classifyFailure(err)
		if errors.Is(err, model.ErrModelUnavailable) {
			p.Warning = message
		} else {
			p.Error = message
		}
		c.HTML(status, "page", p)
		return
	}

	outcome.State = outcome.State.Next(false)
	c.HTML(status, "page", p)
}

func (r *routes) classifyJSON(c *gin.Context) {
	upload, status, err := r.readUpload(c)
	if err != nil {
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	outcome, err := r.uc.Classify(c.Request.Context(), upload)
	if err != nil {
		status, message := classifyFailure(err)
		c.JSON(status, gin.H{
			"request_id": outcome.RequestID,
			"state":      outcome.State.String(),
			"error":      message,
		})
		return
	}

	outcome.State = outcome.State.Next(false)
	resp := gin.H{
		"request_id": outcome.RequestID,
		"state":      outcome.State.String(),
		"label":      outcome.Prediction.Label,
		"index":      outcome.Prediction.Index,
		"confidence": outcome.Prediction.Confidence,
		"classes":    outcome.Prediction.Classes,
		"image":      outcome.Image,
		"cached":     outcome.Cached,
	}
	if subject, ok := auth.Subject(c.Request.Context()); ok {
		resp["subject"] = subject
	}
	c.JSON(http.StatusOK, resp)
}

// readUpload extracts the "image" form file, enforcing size and type filters.
// Types are judged by extension (or declared content type when the name has
// none); the bytes themselves are checked later by the decoder.
func (r *routes) readUpload(c *gin.Context) (usecase.Upload, int, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+formOverhead)

	file, err := c.FormFile("image")
	if err != nil {
		if isTooLarge(err) {
			return usecase.Upload{}, http.StatusRequestEntityTooLarge, errTooLarge
		}
		return usecase.Upload{}, http.StatusBadRequest, errors.New("image file is required")
	}
	if file.Size > MaxUploadSize {
		return usecase.Upload{}, http.StatusRequestEntityTooLarge, errTooLarge
	}
	if !r.acceptable(file) {
		return usecase.Upload{}, http.StatusUnsupportedMediaType, errors.New("unsupported image type, use " + r.formats())
	}

	src, err := file.Open()
	if err != nil {
		return usecase.Upload{}, http.StatusBadRequest, errors.New("unable to open image")
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return usecase.Upload{}, http.StatusInternalServerError, errors.New("failed to read image")
	}
	return usecase.Upload{Filename: file.Filename, Data: data}, http.StatusOK, nil
}

func (r *routes) acceptable(file *multipart.FileHeader) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(file.Filename), "."))
	if ext != "" {
		return r.allowed[ext]
	}
	contentType := strings.ToLower(strings.TrimSpace(strings.SplitN(file.Header.Get("Content-Type"), ";", 2)[0]))
	mapped, ok := contentTypeExtensions[contentType]
	return ok && r.allowed[mapped]
}

func (r *routes) formats() string {
	upper := make([]string, len(r.opts.AllowedExtensions))
	for i, ext := range r.opts.AllowedExtensions {
		upper[i] = strings.ToUpper(strings.TrimPrefix(ext, "."))
	}
	return strings.Join(upper, ", ")
}

func (r *routes) newPage() page {
	h := r.uc.ModelStatus()
	p := page{
		Title:          r.opts.Title,
		Classes:        h.Labels(),
		Formats:        r.formats(),
		ModelAvailable: h.Available(),
	}
	if p.Title == "" {
		p.Title = "Classificador de Lojas"
	}
	if !h.Available() {
		p.ModelError = h.Err().Error()
	}
	accept := make([]string, len(r.opts.AllowedExtensions))
	for i, ext := range r.opts.AllowedExtensions {
		accept[i] = "." + strings.TrimPrefix(ext, ".")
	}
	p.Accept = strings.Join(accept, ",")
	return p
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}

func uploadMessage(status int) string {
	switch status {
	case http.StatusRequestEntityTooLarge:
		return "Imagem muito grande. O limite é de 10 MB."
	case http.StatusUnsupportedMediaType:
		return "Formato não suportado. Envie uma imagem JPG, JPEG, PNG ou WEBP."
	}
	return "Selecione uma imagem de loja para classificar."
}

// classifyFailure maps a use case error to a status and user-facing text.
func classifyFailure(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrModelUnavailable):
		return http.StatusServiceUnavailable, "Modelo não carregado. Verifique se o arquivo do modelo está na pasta configurada."
	case errors.Is(err, imageprocessor.ErrPreprocess):
		return http.StatusUnprocessableEntity, "Erro no pré-processamento: a imagem está corrompida ou em formato não suportado."
	}
	return http.StatusInternalServerError, "Erro inesperado ao classificar a imagem."
}
