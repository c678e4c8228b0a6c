package httpapi

import (
	"bytes"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const eventSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["uid", "start", "end"],
	"properties": {
		"uid": {"type": "string", "minLength": 1},
		"title": {"type": "string"},
		"location": {"type": "string"},
		"description": {"type": "string"},
		"start": {"type": "string", "format": "date-time"},
		"end": {"type": "string", "format": "date-time"},
		"allDay": {"type": "boolean"},
		"sequence": {"type": "integer", "minimum": 0},
		"eventStatus": {"type": "string"},
		"organizer": {"$ref": "#/$defs/attendee"},
		"attendees": {
			"type": "array",
			"items": {"$ref": "#/$defs/attendee"}
		},
		"recurrence": {
			"type": "object",
			"required": ["freq"],
			"properties": {
				"freq": {"type": "string", "enum": ["DAILY", "WEEKLY"]},
				"interval": {"type": "integer", "minimum": 1},
				"count": {"type": "integer", "minimum": 1},
				"until": {"type": "string", "format": "date-time"}
			},
			"additionalProperties": false
		},
		"recurrenceId": {"type": "string"}
	},
	"$defs": {
		"attendee": {
			"type": "object",
			"required": ["email"],
			"properties": {
				"email": {"type": "string", "minLength": 3},
				"name": {"type": "string"},
				"status": {
					"type": "string",
					"enum": ["NEEDS-ACTION", "ACCEPTED", "DECLINED", "TENTATIVE"]
				}
			},
			"additionalProperties": false
		}
	},
	"additionalProperties": false
}`

var (
	eventSchemaOnce sync.Once
	eventSchema     *jsonschema.Schema
	eventSchemaErr  error
)

func compiledEventSchema() (*jsonschema.Schema, error) {
	eventSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(eventSchemaJSON))
		if err != nil {
			eventSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("event.json", doc); err != nil {
			eventSchemaErr = err
			return
		}
		eventSchema, eventSchemaErr = compiler.Compile("event.json")
	})
	return eventSchema, eventSchemaErr
}

// validateEventPayload checks a raw event body against the schema before it
// is decoded into a shell.
func validateEventPayload(body []byte) error {
	schema, err := compiledEventSchema()
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return err
	}
	return schema.Validate(instance)
}
