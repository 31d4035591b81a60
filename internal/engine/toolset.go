package engine

// ToolSet specifies which categories of tools to include in the registry.
type ToolSet struct {
	Filesystem bool // read_file, list_files, write_file, delete_file
	Execution  bool // execute_code
	Artifact   bool // save_artifact
	Todo       bool // record_todo
	Issues     bool // report_issue
}

// DefaultToolSet is the coding agent's tool set; record_todo is opt-in.
func DefaultToolSet() ToolSet {
	return ToolSet{Filesystem: true, Execution: true, Artifact: true, Issues: true}
}
