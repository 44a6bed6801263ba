package batchrun

import "fmt"

// promptTemplate is the fixed instruction block appended to every dispatch.
// The agent sees the whole document for context but is told to work on
// exactly one task and to check it off in the file when done.
const promptTemplate = `You are working through a task checklist in %s.

Here is the current document content:

%s

Work on exactly ONE task and nothing else:

%s

When the task is fully done, edit %s and change that task's checkbox from "- [ ]" to "- [x]". Do not modify any other checkbox. Do not start another task.`

func buildPrompt(filename, content, task string) string {
	return fmt.Sprintf(promptTemplate, filename, content, task, filename)
}
