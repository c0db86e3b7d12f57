package train

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Worker errors surfaced on failed jobs.
var (
	ErrDatasetValidation = errors.New("dataset_validation_failed")
	ErrOutOfMemory       = errors.New("oom")
	ErrCancelled         = errors.New("cancelled")
)

// Strategy produces a fine-tuned model from a JSONL dataset. Selected at job
// construction time, not at training time.
type Strategy interface {
	Name() string
	// Train blocks until the model exists or training fails. shouldStop is
	// polled between steps; a true return must abort cleanly.
	Train(ctx context.Context, job *Job, datasetPath string, shouldStop func() bool) (outputModel string, err error)
}

// WriteDataset writes the job's examples as JSONL and returns the path.
func WriteDataset(dir string, job *Job) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, job.JobID+".jsonl")
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, e := range job.TrainingExamples {
		line, err := json.Marshal(e)
		if err != nil {
			return "", err
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		return "", err
	}
	return path, f.Sync()
}

// ValidateDataset enforces the precondition both strategies share: the file
// exists, is non-empty, and every line parses as JSON.
func ValidateDataset(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatasetValidation, err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1<<20), 1<<24)
	lines := 0
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == "" {
			continue
		}
		var v map[string]any
		if err := json.Unmarshal(sc.Bytes(), &v); err != nil {
			return fmt.Errorf("%w: line %d is not valid JSON", ErrDatasetValidation, lines+1)
		}
		lines++
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrDatasetValidation, err)
	}
	if lines == 0 {
		return fmt.Errorf("%w: dataset is empty", ErrDatasetValidation)
	}
	return nil
}

// OllamaModelfileStrategy is the CPU-friendly default: it embeds the top-K
// examples into a Modelfile system message and asks the ollama CLI to create
// a derived model.
type OllamaModelfileStrategy struct {
	Binary  string // default "ollama"
	WorkDir string
	TopK    int // examples embedded in the system message, default 10
	Log     *zap.Logger

	// runCommand is swapped in tests.
	runCommand func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func NewOllamaStrategy(workDir string, log *zap.Logger) *OllamaModelfileStrategy {
	if log == nil {
		log = zap.NewNop()
	}
	return &OllamaModelfileStrategy{
		Binary:     "ollama",
		WorkDir:    workDir,
		TopK:       10,
		Log:        log.Named("train.ollama"),
		runCommand: runCombined,
	}
}

func (s *OllamaModelfileStrategy) Name() string { return "ollama_modelfile" }

func (s *OllamaModelfileStrategy) Train(ctx context.Context, job *Job, datasetPath string, shouldStop func() bool) (string, error) {
	if err := ValidateDataset(datasetPath); err != nil {
		return "", err
	}
	if shouldStop() {
		return "", ErrCancelled
	}

	output := job.OutputModelName(time.Now())
	modelfilePath := filepath.Join(s.WorkDir, job.JobID+".Modelfile")
	if err := os.WriteFile(modelfilePath, []byte(s.modelfile(job)), 0o644); err != nil {
		return "", fmt.Errorf("writing modelfile: %w", err)
	}

	if shouldStop() {
		return "", ErrCancelled
	}
	out, err := s.runCommand(ctx, s.Binary, "create", output, "-f", modelfilePath)
	if err != nil {
		return "", fmt.Errorf("ollama create failed: %v: %s", err, firstLine(out))
	}
	s.Log.Info("modelfile model created", zap.String("model", output))
	return output, nil
}

// modelfile renders the FROM line, the example-bearing system message, and
// conservative decoding parameters.
func (s *OllamaModelfileStrategy) modelfile(job *Job) string {
	base := job.BaseModel
	if _, name, found := strings.Cut(base, ":"); found && strings.HasPrefix(base, "ollama:") {
		base = name
	}
	topK := s.TopK
	if topK <= 0 {
		topK = 10
	}
	if topK > len(job.TrainingExamples) {
		topK = len(job.TrainingExamples)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "FROM %s\n\n", base)
	sb.WriteString("SYSTEM \"\"\"\n")
	fmt.Fprintf(&sb, "You are a specialist generator for %s artifacts.\n", job.ArtifactType)
	sb.WriteString("Follow the style and structure of these reference outputs exactly.\n\n")
	for i, e := range job.TrainingExamples[:topK] {
		fmt.Fprintf(&sb, "### Example %d\nInput:\n%s\n\nOutput:\n%s\n\n", i+1, e.Prompt, e.Completion)
	}
	sb.WriteString("\"\"\"\n\n")
	sb.WriteString("PARAMETER temperature 0.2\n")
	sb.WriteString("PARAMETER top_p 0.9\n")
	sb.WriteString("PARAMETER repeat_penalty 1.1\n")
	return sb.String()
}

// HFLoRAStrategy shells out to a LoRA trainer for HuggingFace base models.
// Requires CUDA and a 4-bit quantization library on the worker host.
type HFLoRAStrategy struct {
	Binary    string // trainer entrypoint, e.g. "fabrica-lora-train"
	OutputDir string
	LoRARank  int // default 16
	GradAccum int // default 8
	Log       *zap.Logger

	runCommand func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func NewHFLoRAStrategy(binary, outputDir string, log *zap.Logger) *HFLoRAStrategy {
	if log == nil {
		log = zap.NewNop()
	}
	return &HFLoRAStrategy{
		Binary:     binary,
		OutputDir:  outputDir,
		LoRARank:   16,
		GradAccum:  8,
		Log:        log.Named("train.hf"),
		runCommand: runCombined,
	}
}

func (s *HFLoRAStrategy) Name() string { return "hf_lora" }

func (s *HFLoRAStrategy) Train(ctx context.Context, job *Job, datasetPath string, shouldStop func() bool) (string, error) {
	if err := ValidateDataset(datasetPath); err != nil {
		return "", err
	}
	if shouldStop() {
		return "", ErrCancelled
	}

	base := strings.TrimPrefix(job.BaseModel, "huggingface:")
	output := job.OutputModelName(time.Now())
	args := []string{
		"--base-model", base,
		"--dataset", datasetPath,
		"--output-dir", filepath.Join(s.OutputDir, output),
		"--lora-rank", fmt.Sprint(s.LoRARank),
		"--lora-targets", "q_proj,v_proj,k_proj,o_proj",
		"--batch-size", "1",
		"--gradient-accumulation", fmt.Sprint(s.GradAccum),
		"--warmup-ratio", "0.03",
		"--lr-schedule", "cosine",
		"--optimizer", "paged_adamw_8bit",
		"--load-in-4bit",
		"--gradient-checkpointing",
	}
	out, err := s.runCommand(ctx, s.Binary, args...)
	if err != nil {
		if isOOM(out, err) {
			return "", fmt.Errorf("%w: GPU memory exhausted training %s (reduce batch or rank)", ErrOutOfMemory, base)
		}
		return "", fmt.Errorf("lora training failed: %v: %s", err, firstLine(out))
	}
	s.Log.Info("lora adapter trained", zap.String("model", output))
	return output, nil
}

func isOOM(out []byte, err error) bool {
	text := strings.ToLower(string(out) + " " + err.Error())
	return strings.Contains(text, "out of memory") ||
		strings.Contains(text, "cuda oom") ||
		strings.Contains(text, "outofmemoryerror")
}

func runCombined(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
