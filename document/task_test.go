package document

import "testing"

func TestIdempotencyKey(t *testing.T) {
	tests := []struct {
		name     string
		taskType TaskType
		params   TaskParams
		attempts int
		want     string
	}{
		{
			name:     "generate keys on block and attempts",
			taskType: TaskGenerateBlock,
			params:   TaskParams{Generate: &GenerateParams{BlockID: "b1"}},
			attempts: 0,
			want:     "b1:generate_started:0",
		},
		{
			name:     "qc keys on block and attempts",
			taskType: TaskRunQC,
			params:   TaskParams{QC: &QCParams{BlockID: "b1"}},
			attempts: 2,
			want:     "b1:qc_started:2",
		},
		{
			name:     "refine keys on new block",
			taskType: TaskRefineBlock,
			params:   TaskParams{Refine: &RefineParams{BlockID: "b1r3"}},
			attempts: 3,
			want:     "b1r3:refinement_started:3",
		},
		{
			name:     "assemble keys on version",
			taskType: TaskAssembleDocument,
			params:   TaskParams{Assemble: &AssembleParams{VersionID: "v1"}},
			want:     "v1:assemble_document",
		},
		{
			name:     "export keys on version",
			taskType: TaskExportDocument,
			params:   TaskParams{Export: &ExportParams{VersionID: "v1"}},
			want:     "v1:export_document",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IdempotencyKey(tt.taskType, tt.params, tt.attempts)
			if got != tt.want {
				t.Errorf("IdempotencyKey = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTaskParamsValidate(t *testing.T) {
	tests := []struct {
		name     string
		taskType TaskType
		params   TaskParams
		wantErr  bool
	}{
		{
			name:     "matching variant",
			taskType: TaskRunQC,
			params:   TaskParams{QC: &QCParams{BlockID: "b1"}},
		},
		{
			name:     "no variant",
			taskType: TaskRunQC,
			params:   TaskParams{},
			wantErr:  true,
		},
		{
			name:     "wrong variant",
			taskType: TaskRunQC,
			params:   TaskParams{Generate: &GenerateParams{BlockID: "b1"}},
			wantErr:  true,
		},
		{
			name:     "two variants",
			taskType: TaskRunQC,
			params: TaskParams{
				QC:       &QCParams{BlockID: "b1"},
				Generate: &GenerateParams{BlockID: "b1"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate(tt.taskType)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestQueueFor(t *testing.T) {
	tests := []struct {
		taskType TaskType
		want     Queue
	}{
		{TaskGenerateBlock, QueueGeneration},
		{TaskRunQC, QueueQC},
		{TaskRefineBlock, QueueRefine},
		{TaskAssembleDocument, QueueAssemble},
		{TaskExportDocument, QueueExport},
	}
	for _, tt := range tests {
		if got := QueueFor(tt.taskType); got != tt.want {
			t.Errorf("QueueFor(%s) = %s, want %s", tt.taskType, got, tt.want)
		}
	}
}

func TestTaskStatusTransitions(t *testing.T) {
	tests := []struct {
		from TaskStatus
		to   TaskStatus
		want bool
	}{
		{TaskPending, TaskInProgress, true},
		{TaskPending, TaskCancelled, true},
		{TaskPending, TaskCompleted, false},
		{TaskInProgress, TaskCompleted, true},
		{TaskInProgress, TaskRetrying, true},
		{TaskRetrying, TaskPending, true},
		{TaskRetrying, TaskFailed, true},
		{TaskCompleted, TaskPending, false},
		{TaskCancelled, TaskInProgress, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestQCReportNormalize(t *testing.T) {
	r := QCReport{
		OverallScore: 88,
		Status:       QCPassed,
		Problems: []Problem{
			{Type: ProblemMathError, Severity: SeverityCritical, Description: "divides by zero"},
		},
	}
	r.Normalize()
	if r.Status != QCFailed {
		t.Errorf("status after normalize = %s, want failed", r.Status)
	}
	if err := r.Validate(); err != nil {
		t.Errorf("normalized report invalid: %v", err)
	}
}

func TestQCReportValidate(t *testing.T) {
	tests := []struct {
		name    string
		report  QCReport
		wantErr bool
	}{
		{"valid pass", QCReport{OverallScore: 80, Status: QCPassed}, false},
		{"score out of range", QCReport{OverallScore: 101, Status: QCPassed}, true},
		{"negative score", QCReport{OverallScore: -1, Status: QCFailed}, true},
		{"unknown status", QCReport{OverallScore: 50, Status: "meh"}, true},
		{
			"critical without failed status",
			QCReport{OverallScore: 90, Status: QCPassed, Problems: []Problem{
				{Type: ProblemMathError, Severity: SeverityCritical, Description: "x"},
			}},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.report.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
