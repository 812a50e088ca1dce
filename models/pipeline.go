package models

// PipelineStep is one fixed stage of the generation pipeline. Steps are
// strictly ordered and each carries a fixed credit cost and a fixed
// cumulative progress value. The tables below are process-wide
// configuration, not per-job state.
type PipelineStep int

const (
	StepNone            PipelineStep = 0
	StepBaseGeneration  PipelineStep = 1
	StepClothSwap       PipelineStep = 2
	StepUpscale         PipelineStep = 3
	StepVideoPrep       PipelineStep = 4
	StepVideoGeneration PipelineStep = 5
	StepFinalRender     PipelineStep = 6
)

// cost per step in credit cents
var stepCosts = map[PipelineStep]int64{
	StepBaseGeneration:  2,
	StepClothSwap:       3,
	StepUpscale:         3,
	StepVideoPrep:       2,
	StepVideoGeneration: 8,
	StepFinalRender:     2,
}

// cumulative progress percentage after the step finished
var stepProgress = map[PipelineStep]int{
	StepNone:            0,
	StepBaseGeneration:  20,
	StepClothSwap:       40,
	StepUpscale:         60,
	StepVideoPrep:       70,
	StepVideoGeneration: 90,
	StepFinalRender:     100,
}

var videoOnlySteps = map[PipelineStep]bool{
	StepVideoPrep:       true,
	StepVideoGeneration: true,
}

func (s PipelineStep) String() string {
	switch s {
	case StepBaseGeneration:
		return "base_generation"
	case StepClothSwap:
		return "cloth_swap"
	case StepUpscale:
		return "upscale"
	case StepVideoPrep:
		return "video_prep"
	case StepVideoGeneration:
		return "video_generation"
	case StepFinalRender:
		return "final_render"
	}
	return "none"
}

// VideoOnly reports whether the step runs (and is charged) only when the
// job requested a video output.
func (s PipelineStep) VideoOnly() bool {
	return videoOnlySteps[s]
}

// Next returns the following step for a job, skipping video-only steps
// when the job did not request video. Returns StepNone past the last step.
func (s PipelineStep) Next(withVideo bool) PipelineStep {
	for n := s + 1; n <= StepFinalRender; n++ {
		if !withVideo && n.VideoOnly() {
			continue
		}
		return n
	}
	return StepNone
}

// CostThroughStep sums the fixed cost of every step from the first up to
// and including the given one, in credit cents. Video-only step costs are
// included only when includeVideo is set. An out-of-range step clamps to
// the nearest valid bound, so callers never get charged for steps that do
// not exist.
func CostThroughStep(step PipelineStep, includeVideo bool) int64 {
	if step < StepNone {
		step = StepNone
	}
	if step > StepFinalRender {
		step = StepFinalRender
	}
	var total int64
	for s := StepBaseGeneration; s <= step; s++ {
		if !includeVideo && s.VideoOnly() {
			continue
		}
		total += stepCosts[s]
	}
	return total
}

// ProgressForStep is a plain table lookup, 0 for unknown steps.
func ProgressForStep(step PipelineStep) int {
	return stepProgress[step]
}

// EstimatedJobCost is the full pipeline cost for a job, charged up front
// at creation time.
func EstimatedJobCost(withVideo bool) int64 {
	return CostThroughStep(StepFinalRender, withVideo)
}
