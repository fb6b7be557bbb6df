package sagas

import "fmt"

func recordPath(id string) string { return fmt.Sprintf("records/%s.md", id) }
func draftPath(id string) string  { return fmt.Sprintf("drafts/%s.md", id) }
func archivePath(id string) string { return fmt.Sprintf("archive/%s.md", id) }
