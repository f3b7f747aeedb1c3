package signeo

import (
	"github.com/google/jsonschema-go/jsonschema"

	"github.com/MegaGrindStone/signeo-mcp"
)

type loginArgs struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	SessionID string `json:"session_id"`
}

type createEntityTypeArgs struct {
	SIGSID string `json:"SIGSID"`
	TPC    string `json:"tpc"`
	Name   string `json:"name"`
	ID     string `json:"id"`
}

type getTaxonomyTreeArgs struct {
	SIGSID        string `json:"SIGSID"`
	TPC           string `json:"tpc"`
	EntityTypeVar string `json:"entity_type_var"`
}

type setEntityPropertiesArgs struct {
	SIGSID        string `json:"SIGSID"`
	TPC           string `json:"tpc"`
	ID            string `json:"id"`
	Name          string `json:"name"`
	EntityTypeVar string `json:"entity_type_var"`
}

type createTaxonomyNodeArgs struct {
	SIGSID           string         `json:"SIGSID"`
	TPC              string         `json:"tpc"`
	EntityTypeVar    string         `json:"entity_type_var"`
	NodeTypeVar      string         `json:"node_type_var"`
	Parent           string         `json:"parent"`
	LangID           mcp.MustString `json:"lang_id"`
	Title            string         `json:"title"`
	URI              string         `json:"uri"`
	EntityTreeParent string         `json:"entity_tree_parent"`
}

func str(description string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Description: description}
}

// sigsid is optional: the relayed login credential takes precedence over it.
func sigsid() *jsonschema.Schema {
	return str("Authentication cookie (SIGSID). Optional once login has succeeded")
}

var loginSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"username": str("User username"),
		"password": str("User password"),
	},
	Required: []string{"username", "password"},
}

var createEntityTypeSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"SIGSID": sigsid(),
		"tpc":    str("TPC token"),
		"name":   str("Entity type name"),
		"id":     str("Entity type ID"),
	},
	Required: []string{"tpc", "name", "id"},
}

var getTaxonomyTreeSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"SIGSID":          sigsid(),
		"tpc":             str("TPC token"),
		"entity_type_var": str("Taxonomy entity type (e.g. tax_catalogue, product_categories, etc.)"),
	},
	Required: []string{"tpc", "entity_type_var"},
}

var setEntityPropertiesSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"SIGSID":          sigsid(),
		"tpc":             str("TPC token"),
		"id":              str("Entity type ID"),
		"name":            str("Entity type name"),
		"entity_type_var": str("Entity type variable (e.g. tax_catalogue)"),
	},
	Required: []string{"tpc", "id", "name", "entity_type_var"},
}

var createTaxonomyNodeSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"SIGSID":          sigsid(),
		"tpc":             str("TPC token"),
		"entity_type_var": str("The taxonomy entity type (e.g., tax_catalogue)"),
		"node_type_var":   str("Node type variable (e.g., tax_catalogue333)"),
		"parent":          str("Parent node variable name (e.g., tax_catalogue)"),
		"lang_id": {
			Types:       []string{"string", "number"},
			Description: "Language ID (e.g., 1 for Hebrew)",
		},
		"title":              str("Node title (in UTF-8 or native language)"),
		"uri":                str("Optional URI slug for the node"),
		"entity_tree_parent": str("Parent node ID if relevant (default empty)"),
	},
	Required: []string{"tpc", "entity_type_var", "node_type_var", "parent", "lang_id", "title"},
}
