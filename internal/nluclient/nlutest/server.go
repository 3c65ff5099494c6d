// Package nlutest provides an in-memory NLU service speaking the remote wire
// contract, for tests of the client and everything built on it.
package nlutest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/roundhouse/internal/modelid"
	"github.com/zulandar/roundhouse/internal/nlu"
)

// Operation names accepted by Calls.
const (
	OpInfo    = "info"
	OpTrain   = "train"
	OpStatus  = "status"
	OpCancel  = "cancel"
	OpPredict = "predict"
	OpDetect  = "detect"
	OpModels  = "models"
	OpPrune   = "prune"
)

// DefaultPlan is the session sequence a new job walks through: one
// in-progress poll at 40%, then done.
var DefaultPlan = []nlu.TrainingSession{
	{Status: nlu.TrainingRunning, Progress: 0.4},
	{Status: nlu.TrainingDone, Progress: 1},
}

type job struct {
	input    nlu.TrainInput
	session  nlu.TrainingSession
	plan     []nlu.TrainingSession
	canceled bool
}

// Server is a fake NLU service. The zero value is not usable; call NewServer.
type Server struct {
	URL string

	srv *httptest.Server

	mu        sync.Mutex
	specs     nlu.Specifications
	languages []string
	plan      []nlu.TrainingSession
	jobs      map[string]*job
	calls     map[string]int
	predicted []string
	tokens    []string
	failNext  int
	rejectMsg string
	auth      func(token string) error
	detect    func(utterance string, languages []string) string
}

// NewServer starts a fake service that is closed when t finishes.
func NewServer(t testing.TB) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := &Server{
		specs: nlu.Specifications{
			NLUVersion: "2.0.0",
			LanguageServer: nlu.LanguageServer{
				Dimensions: 300,
				Domain:     "bp",
				Version:    "1.0.0",
			},
		},
		languages: []string{"en", "fr", "de"},
		plan:      DefaultPlan,
		jobs:      make(map[string]*job),
		calls:     make(map[string]int),
	}

	r := gin.New()
	r.Use(s.intercept)
	r.GET("/info", s.handleInfo)
	r.GET("/models", s.handleModels)
	r.POST("/models/prune", s.handlePrune)
	r.POST("/train", s.handleTrain)
	r.GET("/train/:id", s.handleStatus)
	r.POST("/train/:id/cancel", s.handleCancel)
	r.POST("/predict/:id", s.handlePredict)
	r.POST("/detect-lang", s.handleDetect)

	s.srv = httptest.NewServer(r)
	s.URL = s.srv.URL
	t.Cleanup(s.srv.Close)
	return s
}

// Close shuts the server down early, making every later call a
// connectivity failure.
func (s *Server) Close() { s.srv.Close() }

// Specs returns the specifications the server reports and hashes with.
func (s *Server) Specs() nlu.Specifications {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.specs
}

// SetSpecs changes the reported specifications, as a server upgrade would.
func (s *Server) SetSpecs(specs nlu.Specifications) {
	s.mu.Lock()
	s.specs = specs
	s.mu.Unlock()
}

// SetPlan sets the session sequence for jobs submitted afterwards. The last
// session repeats once the plan is exhausted.
func (s *Server) SetPlan(plan ...nlu.TrainingSession) {
	s.mu.Lock()
	s.plan = append([]nlu.TrainingSession(nil), plan...)
	s.mu.Unlock()
}

// FailNext makes the next n requests fail like an unreachable upstream.
func (s *Server) FailNext(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

// SetAuth makes every later request pass its bearer token to check first.
// A non-nil error answers 401 with the error as the rejection message.
func (s *Server) SetAuth(check func(token string) error) {
	s.mu.Lock()
	s.auth = check
	s.mu.Unlock()
}

// RejectTraining makes every later submission fail with msg. An empty msg
// accepts submissions again.
func (s *Server) RejectTraining(msg string) {
	s.mu.Lock()
	s.rejectMsg = msg
	s.mu.Unlock()
}

// SetDetect overrides language detection.
func (s *Server) SetDetect(fn func(utterance string, languages []string) string) {
	s.mu.Lock()
	s.detect = fn
	s.mu.Unlock()
}

// AddModel registers id as an already trained model.
func (s *Server) AddModel(id string) {
	s.mu.Lock()
	s.jobs[id] = &job{session: nlu.TrainingSession{Status: nlu.TrainingDone, Progress: 1}}
	s.mu.Unlock()
}

// Finish makes the next poll of id report done.
func (s *Server) Finish(id string) {
	s.mu.Lock()
	if j, ok := s.jobs[id]; ok {
		j.plan = []nlu.TrainingSession{{Status: nlu.TrainingDone, Progress: 1}}
	}
	s.mu.Unlock()
}

// Fail makes the next poll of id report errored with msg.
func (s *Server) Fail(id, msg string) {
	s.mu.Lock()
	if j, ok := s.jobs[id]; ok {
		j.plan = []nlu.TrainingSession{{
			Status: nlu.TrainingErrored,
			Error:  &nlu.TrainingError{Type: "internal", Message: msg},
		}}
	}
	s.mu.Unlock()
}

// Forget drops id, as an external purge or a restart would.
func (s *Server) Forget(id string) {
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
}

// Session returns the current session of id and whether it exists.
func (s *Server) Session(id string) (nlu.TrainingSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nlu.TrainingSession{}, false
	}
	return j.current(), true
}

// Calls returns how many requests of op were served.
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// TotalCalls returns the number of requests served, failures excluded.
func (s *Server) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.calls {
		total += n
	}
	return total
}

// Predicted returns the model ids predictions were served from, in order.
func (s *Server) Predicted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.predicted...)
}

// Tokens returns the bearer tokens received, in order.
func (s *Server) Tokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens...)
}

func (j *job) current() nlu.TrainingSession {
	if j.canceled {
		return nlu.TrainingSession{Status: nlu.TrainingCanceled, Progress: j.session.Progress}
	}
	return j.session
}

// advance moves the job one step along its plan and returns the new session.
func (j *job) advance() nlu.TrainingSession {
	if !j.canceled && len(j.plan) > 0 {
		j.session = j.plan[0]
		if len(j.plan) > 1 {
			j.plan = j.plan[1:]
		}
	}
	return j.current()
}

func (s *Server) intercept(c *gin.Context) {
	s.mu.Lock()
	down := s.failNext > 0
	if down {
		s.failNext--
	}
	header := c.GetHeader("Authorization")
	tok := strings.TrimPrefix(header, "Bearer ")
	var authErr error
	if !down && s.auth != nil {
		authErr = s.auth(tok)
	}
	if strings.HasPrefix(header, "Bearer ") && !down && authErr == nil {
		s.tokens = append(s.tokens, tok)
	}
	s.mu.Unlock()

	if down {
		c.String(http.StatusServiceUnavailable, "upstream unavailable")
		c.Abort()
		return
	}
	if authErr != nil {
		fail(c, http.StatusUnauthorized, authErr.Error())
		c.Abort()
		return
	}
	c.Next()
}

func (s *Server) count(op string) {
	s.calls[op]++
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"success": false, "error": msg})
}

func (s *Server) handleInfo(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count(OpInfo)
	c.JSON(http.StatusOK, gin.H{"success": true, "info": nlu.Info{
		Health:    nlu.Health{IsEnabled: true, ValidProvidersCount: 1, ValidLanguages: s.languages},
		Specs:     s.specs,
		Languages: s.languages,
	}})
}

func (s *Server) doneModels() []string {
	var ids []string
	for id, j := range s.jobs {
		if j.current().Status == nlu.TrainingDone {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Server) handleModels(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count(OpModels)
	ids := s.doneModels()
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "models": ids})
}

// handlePrune drops every model whose specification hash differs from the
// current specifications.
func (s *Server) handlePrune(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count(OpPrune)
	current := modelid.Compute(nlu.TrainInput{}, s.specs).SpecificationHash
	pruned := []string{}
	for _, id := range s.doneModels() {
		parsed, err := modelid.Parse(id)
		if err != nil || parsed.SpecificationHash != current {
			delete(s.jobs, id)
			pruned = append(pruned, id)
		}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "models": pruned})
}

func (s *Server) handleTrain(c *gin.Context) {
	var input nlu.TrainInput
	if err := c.ShouldBindJSON(&input); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.count(OpTrain)
	if s.rejectMsg != "" {
		fail(c, http.StatusInternalServerError, s.rejectMsg)
		return
	}
	if input.Language == "" {
		fail(c, http.StatusBadRequest, "language is required")
		return
	}

	id := modelid.Compute(input, s.specs).String()
	if existing, ok := s.jobs[id]; !ok || existing.current().Status != nlu.TrainingDone {
		s.jobs[id] = &job{
			input:   input,
			session: nlu.TrainingSession{Status: nlu.TrainingPending},
			plan:    append([]nlu.TrainingSession(nil), s.plan...),
		}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "modelId": id})
}

func (s *Server) handleStatus(c *gin.Context) {
	id := c.Param("id")
	if !modelid.IsID(id) {
		fail(c, http.StatusBadRequest, "model id \""+id+"\" has invalid format")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.count(OpStatus)
	j, ok := s.jobs[id]
	if !ok {
		fail(c, http.StatusNotFound, "no model or training could be found for modelId: "+id)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "session": j.advance()})
}

func (s *Server) handleCancel(c *gin.Context) {
	id := c.Param("id")

	s.mu.Lock()
	defer s.mu.Unlock()
	s.count(OpCancel)
	j, ok := s.jobs[id]
	if !ok || !j.current().Status.InProgress() {
		fail(c, http.StatusNotFound, "no current training for model id: "+id)
		return
	}
	j.canceled = true
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handlePredict(c *gin.Context) {
	id := c.Param("id")
	var req struct {
		Utterances []string `json:"utterances"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.count(OpPredict)
	j, ok := s.jobs[id]
	if !ok || j.current().Status != nlu.TrainingDone {
		fail(c, http.StatusNotFound, "modelId "+id+" can't be found")
		return
	}
	parsed, _ := modelid.Parse(id)

	predictions := make([]nlu.PredictOutput, 0, len(req.Utterances))
	for _, u := range req.Utterances {
		s.predicted = append(s.predicted, id)
		predictions = append(predictions, predictionFor(u, parsed.Language, j.input))
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "predictions": predictions})
}

// predictionFor scores the first intent whose utterances contain u.
func predictionFor(u, language string, input nlu.TrainInput) nlu.PredictOutput {
	out := nlu.PredictOutput{
		DetectedLanguage: language,
		SpellChecked:     u,
		Entities:         []nlu.EntityPrediction{},
	}
	ctx := nlu.ContextPrediction{Name: "global", Confidence: 1, Intents: []nlu.IntentPrediction{}}
	for _, intent := range input.Intents {
		conf := 0.1
		for _, utt := range intent.Utterances {
			if strings.EqualFold(utt, u) {
				conf = 0.95
			}
		}
		ctx.Intents = append(ctx.Intents, nlu.IntentPrediction{
			Name:       intent.Name,
			Confidence: conf,
			Extractor:  "classifier",
			Slots:      []nlu.SlotPrediction{},
		})
	}
	out.Contexts = []nlu.ContextPrediction{ctx}
	return out
}

func (s *Server) handleDetect(c *gin.Context) {
	var req struct {
		Utterances []string `json:"utterances"`
		Models     []string `json:"models"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.count(OpDetect)

	var languages []string
	for _, m := range req.Models {
		id, err := modelid.Parse(m)
		if err != nil {
			fail(c, http.StatusBadRequest, "The following model ids are invalid: ["+m+"]")
			return
		}
		if _, ok := s.jobs[m]; !ok {
			fail(c, http.StatusNotFound, "modelId "+m+" can't be found")
			return
		}
		languages = append(languages, id.Language)
	}

	detected := make([]string, 0, len(req.Utterances))
	for _, u := range req.Utterances {
		lang := ""
		if s.detect != nil {
			lang = s.detect(u, languages)
		} else if len(languages) > 0 {
			lang = languages[0]
		}
		detected = append(detected, lang)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "detectedLanguages": detected})
}
