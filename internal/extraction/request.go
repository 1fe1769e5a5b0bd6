package extraction

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// MaxFilePathChars bounds filePath in characters.
const MaxFilePathChars = 1024

// Request is a validated extraction request.
type Request struct {
	FileID   string `json:"fileId"`
	FilePath string `json:"filePath"`
}

// InputError lists the field violations of a rejected request. Details are
// fixed messages and are safe to return to the client.
type InputError struct {
	Details []string
}

func (e *InputError) Error() string {
	return "extraction: invalid input: " + strings.Join(e.Details, "; ")
}

const requestSchemaID = "inmemory://extract-request.json"

const requestSchema = `{
	"type": "object",
	"required": ["fileId", "filePath"],
	"properties": {
		"fileId": {"type": "string"},
		"filePath": {"type": "string"}
	}
}`

var compiledRequestSchema = mustCompile(requestSchemaID, requestSchema)

func mustCompile(id, schema string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(id, strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("extraction: add schema resource: %v", err))
	}
	return compiler.MustCompile(id)
}

// ValidateRequest decodes and checks an extraction request body. The schema
// covers shape and types; fileId must then parse as a UUID and filePath must
// be a bounded relative path with no ".." segment.
func ValidateRequest(body []byte) (Request, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil || dec.More() {
		return Request{}, &InputError{Details: []string{"body: must be a JSON object"}}
	}

	if err := compiledRequestSchema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return Request{}, &InputError{Details: schemaDetails(ve, doc)}
		}
		return Request{}, &InputError{Details: []string{"body: does not match the request schema"}}
	}

	obj := doc.(map[string]any)
	req := Request{
		FileID:   obj["fileId"].(string),
		FilePath: obj["filePath"].(string),
	}

	var details []string
	if _, err := uuid.Parse(req.FileID); err != nil || len(req.FileID) != 36 {
		details = append(details, "fileId: must be a UUID")
	}
	details = append(details, checkFilePath(req.FilePath)...)
	if len(details) > 0 {
		return Request{}, &InputError{Details: details}
	}
	return req, nil
}

func checkFilePath(p string) []string {
	var details []string
	switch {
	case p == "":
		return []string{"filePath: must not be empty"}
	case utf8.RuneCountInString(p) > MaxFilePathChars:
		details = append(details, fmt.Sprintf("filePath: must be at most %d characters", MaxFilePathChars))
	}
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) {
		details = append(details, "filePath: must be a relative path")
	}
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			details = append(details, "filePath: must not contain '..' segments")
			break
		}
	}
	if strings.ContainsRune(p, 0) {
		details = append(details, "filePath: must not contain NUL")
	}
	return details
}

// requiredFields mirrors the schema's required list.
var requiredFields = []string{"fileId", "filePath"}

// schemaDetails flattens a schema failure into one line per leaf error,
// prefixed with the offending field. A failed "required" keyword becomes one
// line per missing field.
func schemaDetails(ve *jsonschema.ValidationError, doc any) []string {
	var leaves []*jsonschema.ValidationError
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			leaves = append(leaves, e)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)

	details := make([]string, 0, len(leaves))
	for _, leaf := range leaves {
		if strings.HasSuffix(leaf.KeywordLocation, "/required") {
			obj, _ := doc.(map[string]any)
			for _, name := range requiredFields {
				if _, ok := obj[name]; !ok {
					details = append(details, name+": is required")
				}
			}
			continue
		}
		field := strings.TrimPrefix(leaf.InstanceLocation, "/")
		if field == "" {
			field = "body"
		}
		details = append(details, field+": "+leaf.Message)
	}
	sort.Strings(details)
	return details
}
