package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

const drsObjectsPath = "/ga4gh/drs/v1/objects/"

// Access method types in order of preference. Local files avoid any copy.
var drsAccessPreference = []string{schemeFile, schemeS3, schemeHTTPS, schemeHTTP}

type (
	drsObject struct {
		ID            string            `json:"id"`
		AccessMethods []drsAccessMethod `json:"access_methods"`
	}

	drsAccessMethod struct {
		Type      string        `json:"type"`
		AccessURL *drsAccessURL `json:"access_url,omitempty"`
		AccessID  string        `json:"access_id,omitempty"`
	}

	drsAccessURL struct {
		URL string `json:"url"`
	}
)

// fetchDRS resolves a drs://host/id URI to its object record and reads the document
// through the preferred access method.
func (r *Retriever) fetchDRS(ctx context.Context, u *url.URL) ([]byte, error) {
	objectURL, err := r.drsObjectURL(u)
	if err != nil {
		return nil, err
	}

	var object drsObject
	if err := r.getJSON(ctx, objectURL, &object); err != nil {
		return nil, fmt.Errorf("failed to fetch DRS record for %s: %w", u.String(), err)
	}

	for _, accessType := range drsAccessPreference {
		method, ok := object.accessMethod(accessType)
		if !ok {
			continue
		}

		accessURL, err := r.resolveAccessURL(ctx, objectURL, method)
		if err != nil {
			return nil, err
		}

		r.logger.Debug("Resolved DRS object",
			slog.String("uri", u.String()),
			slog.String("access_type", accessType))

		target, err := url.Parse(accessURL)
		if err != nil {
			return nil, fmt.Errorf("%w: DRS access URL %s: %w", ErrInvalidReference, accessURL, err)
		}

		switch accessType {
		case schemeFile:
			return r.readFile(target.Path)
		case schemeS3:
			return r.fetchS3(ctx, target)
		default:
			return r.download(ctx, accessURL)
		}
	}

	return nil, fmt.Errorf("%w: cannot handle DRS object %s", ErrNoAccessMethod, u.String())
}

// drsObjectURL maps drs://host/id to the object endpoint, honoring a configured DRS
// service URL.
func (r *Retriever) drsObjectURL(u *url.URL) (string, error) {
	id := strings.TrimPrefix(u.Path, "/")
	if id == "" {
		return "", fmt.Errorf("%w: %s has no object ID", ErrInvalidReference, u.String())
	}

	if r.cfg.DRSURL != "" {
		return r.cfg.DRSURL + "/objects/" + url.PathEscape(id), nil
	}

	if u.Host == "" {
		return "", fmt.Errorf("%w: %s has no host", ErrInvalidReference, u.String())
	}

	return "https://" + u.Host + drsObjectsPath + url.PathEscape(id), nil
}

func (o *drsObject) accessMethod(accessType string) (drsAccessMethod, bool) {
	for _, method := range o.AccessMethods {
		if method.Type != accessType {
			continue
		}

		if (method.AccessURL != nil && method.AccessURL.URL != "") || method.AccessID != "" {
			return method, true
		}
	}

	return drsAccessMethod{}, false
}

// resolveAccessURL returns the inline access URL or asks the object's access endpoint
// for one.
func (r *Retriever) resolveAccessURL(ctx context.Context, objectURL string, method drsAccessMethod) (string, error) {
	if method.AccessURL != nil && method.AccessURL.URL != "" {
		return method.AccessURL.URL, nil
	}

	var access drsAccessURL
	if err := r.getJSON(ctx, objectURL+"/access/"+url.PathEscape(method.AccessID), &access); err != nil {
		return "", fmt.Errorf("failed to resolve DRS access %s: %w", method.AccessID, err)
	}

	if access.URL == "" {
		return "", fmt.Errorf("%w: access %s returned no URL", ErrNoAccessMethod, method.AccessID)
	}

	return access.URL, nil
}

func (r *Retriever) getJSON(ctx context.Context, rawURL string, into any) error {
	resp, err := r.get(ctx, rawURL)
	if err != nil {
		return err
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := r.readLimited(resp.Body, rawURL)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("failed to decode %s: %w", rawURL, err)
	}

	return nil
}
