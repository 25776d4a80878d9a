// SPDX-License-Identifier: Apache-2.0

package domain

const (
	StepDataCleansing   StepID = "data_cleansing"
	StepDeduplication   StepID = "deduplication"
	StepStandardMapping StepID = "standard_mapping"
	StepEMPIAssignment  StepID = "empi_assignment"
	StepEMOIAssignment  StepID = "emoi_assignment"
	StepNormalization   StepID = "normalization"
	StepOrphanRemoval   StepID = "orphan_removal"
	StepDataMasking     StepID = "data_masking"
	StepDataLoad        StepID = "data_load"
	StepDataValidation  StepID = "data_validation"
)

// DefaultPipeline returns the governance pipeline in execution order, all
// steps enabled and idle. Masking and load wait for manual confirmation.
func DefaultPipeline() []WorkflowStep {
	return []WorkflowStep{
		pipelineStep(StepDataCleansing, "Data cleansing", "Trim, repair and reject malformed source records", true),
		pipelineStep(StepDeduplication, "Deduplication", "Collapse duplicate records across sources", true),
		pipelineStep(StepStandardMapping, "Standard mapping", "Map local codes onto reference terminologies", true),
		pipelineStep(StepEMPIAssignment, "EMPI assignment", "Assign enterprise master patient index", true),
		pipelineStep(StepEMOIAssignment, "EMOI assignment", "Assign enterprise master organization index", true),
		pipelineStep(StepNormalization, "Normalization", "Normalize units, dates and value formats", true),
		pipelineStep(StepOrphanRemoval, "Orphan removal", "Drop records without a resolvable parent", true),
		pipelineStep(StepDataMasking, "Data masking", "Mask personal identifiers", false),
		pipelineStep(StepDataLoad, "Data load", "Load governed records into the target store", false),
		pipelineStep(StepDataValidation, "Data validation", "Validate loaded records against quality rules", true),
	}
}

func pipelineStep(id StepID, title, description string, automatic bool) WorkflowStep {
	return WorkflowStep{
		ID:          id,
		Title:       title,
		Description: description,
		Status:      StepIdle,
		Enabled:     true,
		IsAutomatic: automatic,
		Resumable:   true,
	}
}
