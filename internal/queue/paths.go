package queue

import "path"

// ContainerDataDir is where the host data directory is mounted in every container.
const ContainerDataDir = "/data"

// Layout of a run under the data directory:
//
//	/data/{user_job_id}/simulated/{read_type}.fastq
//	/data/{user_job_id}/reports/{read_type}/{classifier}.tsv
//	/data/{user_job_id}/evaluation/{read_type}.tsv

// RunDir is the container path holding every file of one UserJob
func RunDir(userJobID string) string {
	return path.Join(ContainerDataDir, userJobID)
}

// SimulatedFastqPath is the output of the simulation job for a read type
func SimulatedFastqPath(userJobID, readType string) string {
	return path.Join(RunDir(userJobID), "simulated", readType+".fastq")
}

// ReportsDir holds the classifier reports for a read type
func ReportsDir(userJobID, readType string) string {
	return path.Join(RunDir(userJobID), "reports", readType)
}

// ReportPath is the output of one classification job
func ReportPath(userJobID, readType, classifier string) string {
	return path.Join(ReportsDir(userJobID, readType), classifier+".tsv")
}

// EvaluationPath is the output of the evaluation job for a read type
func EvaluationPath(userJobID, readType string) string {
	return path.Join(RunDir(userJobID), "evaluation", readType+".tsv")
}
