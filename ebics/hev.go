package ebics

import (
	"context"

	"github.com/beevik/etree"

	"ebicsgw/fault"
	"ebicsgw/xmlcodec"
)

// ProtocolVersion is one (protocol, version) pair a host supports.
type ProtocolVersion struct {
	Protocol string
	Version  string
}

// HEV probes the host for supported protocol versions. The exchange is
// unsigned and changes no state; it exists to surface bank capability.
func (c *Client) HEV(ctx context.Context) ([]ProtocolVersion, error) {
	resp, err := c.post(ctx, buildHEVRequest(c.cfg.HostID))
	if err != nil {
		return nil, err
	}
	root, err := xmlcodec.RequireRoot(resp.doc, "ebicsHEVResponse")
	if err != nil {
		return nil, err
	}
	sysCode, err := xmlcodec.MaybeDescend(root, "SystemReturnCode", "ReturnCode")
	if err != nil {
		return nil, err
	}
	if sysCode != nil && sysCode.Text() != CodeOK {
		return nil, fault.Protocolf(sysCode.Text(), "HEV: bank returned %s", CodeName(sysCode.Text()))
	}

	var versions []ProtocolVersion
	err = xmlcodec.MapEachChild(root, "VersionNumber", func(v *etree.Element) error {
		versions = append(versions, ProtocolVersion{
			Protocol: v.SelectAttrValue("ProtocolVersion", ""),
			Version:  v.Text(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return versions, nil
}
