package signeo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/MegaGrindStone/signeo-mcp"
)

func (s Server) login(ctx context.Context, raw json.RawMessage) (mcp.CallToolResult, error) {
	var args loginArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("%w: %v", mcp.ErrInvalidArguments, err)
	}

	body, err := json.Marshal(map[string]string{
		"userName":     args.Username,
		"userPassword": args.Password,
	})
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to marshal login request: %w", err)
	}

	// Sends the held credential as SIGSID when there is one.
	resp, err := s.client.postJSON(ctx, joinURL(s.appBaseURL, "/public/auth/login"), body, s.token(ctx, ""))
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("%w: %w", mcp.ErrDownstreamFailure, err)
	}
	if !resp.ok() {
		return mcp.CallToolResult{}, mcp.DownstreamError{
			Status:  resp.status,
			Message: "❌ Login failed: " + resp.statusText,
		}
	}

	var lr loginResponse
	if err := json.Unmarshal(resp.body, &lr); err != nil || lr.SessionID == "" {
		return mcp.CallToolResult{}, mcp.DownstreamError{
			Status:  resp.status,
			Message: "❌ Login failed: no session_id returned.",
		}
	}

	return mcp.TextResult("✅ Login successful.", sessionIDPrefix+lr.SessionID), nil
}

func (s Server) createTaxonomyEntityType(ctx context.Context, raw json.RawMessage) (mcp.CallToolResult, error) {
	var args createEntityTypeArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("%w: %v", mcp.ErrInvalidArguments, err)
	}

	form := url.Values{
		"action":               {"newEntityType"},
		"type":                 {"taxonomy"},
		"parent":               {""},
		"is_block":             {"0"},
		"name":                 {args.Name},
		"id":                   {args.ID},
		"from_tree":            {""},
		"from_entity_type_var": {"Select"},
		"tpc":                  {args.TPC},
	}

	resp, err := s.client.postForm(ctx, joinURL(s.sysBaseURL, "/entity_taxonomy.php"), form, s.token(ctx, args.SIGSID))
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("%w: %w", mcp.ErrDownstreamFailure, err)
	}
	if !resp.ok() {
		return mcp.CallToolResult{}, mcp.DownstreamError{
			Status:  resp.status,
			Message: fmt.Sprintf("Failed to create taxonomy entity type. HTTP %d", resp.status),
		}
	}

	return mcp.TextResult("Entity type created successfully.\n\n" + string(resp.body)), nil
}

func (s Server) getTaxonomyTree(ctx context.Context, raw json.RawMessage) (mcp.CallToolResult, error) {
	var args getTaxonomyTreeArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("%w: %v", mcp.ErrInvalidArguments, err)
	}

	query := url.Values{
		"action":          {"getEntityTreeAjax"},
		"entity_type_var": {args.EntityTypeVar},
	}
	endpoint := joinURL(s.sysBaseURL, "/entity_type.php") + "?" + query.Encode()

	resp, err := s.client.postMultipart(ctx, endpoint, []formField{
		{"tpc", args.TPC},
	}, s.token(ctx, args.SIGSID))
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("%w: %w", mcp.ErrDownstreamFailure, err)
	}
	if !resp.ok() {
		return mcp.CallToolResult{}, mcp.DownstreamError{
			Status:  resp.status,
			Message: fmt.Sprintf("Failed to fetch taxonomy tree. HTTP status: %d", resp.status),
		}
	}

	return mcp.TextResult(fmt.Sprintf("Successfully fetched taxonomy tree for \"%s\":\n\n%s", args.EntityTypeVar, resp.body)), nil
}

func (s Server) setEntityProperties(ctx context.Context, raw json.RawMessage) (mcp.CallToolResult, error) {
	var args setEntityPropertiesArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("%w: %v", mcp.ErrInvalidArguments, err)
	}

	resp, err := s.client.postMultipart(ctx, joinURL(s.sysBaseURL, "/entity_type.php"), []formField{
		{"action", "setEproperties"},
		{"is_parent", "1"},
		{"solr_link", ""},
		{"es_settings[id]", args.ID},
		{"es_settings[name]", args.Name},
		{"es_settings[entity_type_var]", args.EntityTypeVar},
		{"es_settings[hide_general_fields]", "1"},
		{"es_settings[use_taxonomy_as_catalog]", "1"},
		{"es_settings[container_related_type]", "entity_var"},
		{"es_settings[group_id]", "0"},
		{"tpc", args.TPC},
	}, s.token(ctx, args.SIGSID))
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("%w: %w", mcp.ErrDownstreamFailure, err)
	}
	if !resp.ok() {
		return mcp.CallToolResult{}, mcp.DownstreamError{
			Status:  resp.status,
			Message: fmt.Sprintf("Failed to set entity properties. HTTP status: %d", resp.status),
		}
	}

	return mcp.TextResult("Entity properties updated successfully:\n\n" + string(resp.body)), nil
}

func (s Server) createTaxonomyNode(ctx context.Context, raw json.RawMessage) (mcp.CallToolResult, error) {
	var args createTaxonomyNodeArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("%w: %v", mcp.ErrInvalidArguments, err)
	}

	query := url.Values{
		"action":             {"NewTaxonomyNode"},
		"entity_type_var":    {args.EntityTypeVar},
		"entity_tree_parent": {args.EntityTreeParent},
		"node_type_var":      {args.NodeTypeVar},
		"parent":             {args.Parent},
		"lang_id":            {string(args.LangID)},
		"title":              {args.Title},
		"uri":                {args.URI},
	}
	endpoint := joinURL(s.sysBaseURL, "/entity_taxonomy.php") + "?" + query.Encode()

	resp, err := s.client.postMultipart(ctx, endpoint, []formField{
		{"tpc", args.TPC},
	}, s.token(ctx, args.SIGSID))
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("%w: %w", mcp.ErrDownstreamFailure, err)
	}
	if !resp.ok() {
		return mcp.CallToolResult{}, mcp.DownstreamError{
			Status:  resp.status,
			Message: fmt.Sprintf("Failed to create taxonomy node. HTTP status: %d", resp.status),
		}
	}

	return mcp.TextResult("Taxonomy node created successfully:\n\n" + string(resp.body)), nil
}
