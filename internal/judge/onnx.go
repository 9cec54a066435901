package judge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNXJudge scores exchanges with a bundled transformer classifier.
// The bundle directory holds model.onnx, label_map.json, and
// tokenizer/vocab.txt. The session is not reentrant; Score serializes
// inference behind a mutex.
type ONNXJudge struct {
	name      string
	threshold float32

	session   *ort.AdvancedSession
	tokenizer *wordPieceTokenizer
	labels    []string
	seqLen    int

	inputIDs      *ort.Tensor[int64]
	attentionMask *ort.Tensor[int64]
	output        *ort.Tensor[float32]

	mu sync.Mutex
}

// NewONNX loads the classifier bundle and prepares the session.
func NewONNX(name string, threshold float32, bundleDir string, seqLen int) (*ONNXJudge, error) {
	if bundleDir == "" {
		return nil, errors.New("bundle dir is empty")
	}
	if threshold <= 0 {
		threshold = 0.5
	}
	if seqLen <= 0 {
		seqLen = 256
	}

	libPath := resolveSharedLibraryPath(bundleDir)
	if libPath == "" {
		return nil, fmt.Errorf("onnxruntime shared library not found; set ONNXRUNTIME_SHARED_LIBRARY_PATH or install the runtime")
	}
	ort.SetSharedLibraryPath(libPath)
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize onnxruntime: %w", err)
		}
	}

	modelPath := filepath.Join(bundleDir, "model.onnx")
	labelsPath := filepath.Join(bundleDir, "label_map.json")
	vocabPath := filepath.Join(bundleDir, "tokenizer", "vocab.txt")

	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model file missing at %s: %w", modelPath, err)
	}

	labels, err := loadLabels(labelsPath)
	if err != nil {
		return nil, fmt.Errorf("load labels: %w", err)
	}

	tokenizer, err := loadWordPieceTokenizer(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	inputShape := ort.NewShape(1, int64(seqLen))
	inputIDs, err := ort.NewEmptyTensor[int64](inputShape)
	if err != nil {
		return nil, fmt.Errorf("allocate input_ids tensor: %w", err)
	}
	attnMask, err := ort.NewEmptyTensor[int64](inputShape)
	if err != nil {
		return nil, fmt.Errorf("allocate attention_mask tensor: %w", err)
	}
	outputShape := ort.NewShape(1, int64(len(labels)))
	output, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		return nil, fmt.Errorf("allocate output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{"input_ids", "attention_mask"},
		[]string{"logits"},
		[]ort.Value{inputIDs, attnMask},
		[]ort.Value{output},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create onnx session: %w", err)
	}

	return &ONNXJudge{
		name:          name,
		threshold:     threshold,
		session:       session,
		tokenizer:     tokenizer,
		labels:        labels,
		seqLen:        seqLen,
		inputIDs:      inputIDs,
		attentionMask: attnMask,
		output:        output,
	}, nil
}

func (j *ONNXJudge) Name() string       { return j.name }
func (j *ONNXJudge) Threshold() float32 { return j.threshold }

func (j *ONNXJudge) Score(ctx context.Context, input, response string) (Score, error) {
	if j == nil || j.session == nil {
		return Score{}, errors.New("onnx judge not initialized")
	}
	if err := ctx.Err(); err != nil {
		return Score{}, err
	}

	combined := "[INPUT]\n" + input + "\n[RESPONSE]\n" + response
	ids, attn := j.tokenizer.encode(combined, j.seqLen)

	j.mu.Lock()
	defer j.mu.Unlock()

	copy(j.inputIDs.GetData(), ids)
	copy(j.attentionMask.GetData(), attn)

	if err := j.session.Run(); err != nil {
		return Score{}, fmt.Errorf("onnx run: %w", err)
	}

	raw := j.output.GetData()
	var best Score
	for i, logit := range raw {
		if i >= len(j.labels) {
			break
		}
		label := j.labels[i]
		score := float32(1.0 / (1.0 + math.Exp(-float64(logit))))
		if label == "safe" || label == "none" {
			continue
		}
		if score > best.Value {
			best = Score{Value: score, Category: label}
		}
	}

	best.Vote = best.Value >= j.threshold
	if !best.Vote {
		best.Category = ""
	}
	return best, nil
}

// Close releases the session and its tensors.
func (j *ONNXJudge) Close() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.session != nil {
		j.session.Destroy()
		j.session = nil
	}
	if j.inputIDs != nil {
		j.inputIDs.Destroy()
	}
	if j.attentionMask != nil {
		j.attentionMask.Destroy()
	}
	if j.output != nil {
		j.output.Destroy()
	}
}

func loadLabels(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil && len(arr) > 0 {
		return arr, nil
	}

	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}

	out := make([]string, len(m))
	for k, v := range m {
		idx, convErr := strconv.Atoi(k)
		if convErr != nil {
			return nil, fmt.Errorf("invalid label index %q: %w", k, convErr)
		}
		if idx < 0 || idx >= len(m) {
			return nil, fmt.Errorf("label index %d out of range", idx)
		}
		out[idx] = v
	}
	return out, nil
}

// resolveSharedLibraryPath attempts to locate a platform-specific onnxruntime shared library.
// If ONNXRUNTIME_SHARED_LIBRARY_PATH is set, it wins; otherwise we probe common names/locations.
func resolveSharedLibraryPath(bundleDir string) string {
	if env := strings.TrimSpace(os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")); env != "" {
		return env
	}

	names := []string{
		"libonnxruntime.dylib",
		"onnxruntime.dylib",
		"libonnxruntime.so",
		"onnxruntime.so",
		"onnxruntime.dll",
	}
	dirs := []string{
		bundleDir,
		filepath.Join(bundleDir, "lib"),
		".",
		"/opt/homebrew/lib",
		"/usr/local/lib",
		"/usr/lib",
	}

	for _, dir := range dirs {
		for _, name := range names {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}
