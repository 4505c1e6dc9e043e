package wmts

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCapabilities = `<?xml version="1.0" encoding="UTF-8"?>
<Capabilities xmlns="http://www.opengis.net/wmts/1.0" xmlns:ows="http://www.opengis.net/ows/1.1" version="1.0.0">
  <Contents>
    <Layer>
      <ows:Title>Aerial Imagery Basemap</ows:Title>
      <ows:Abstract>Latest aerial imagery</ows:Abstract>
      <ows:Identifier>aerial</ows:Identifier>
      <TileMatrixSetLink><TileMatrixSet>NZTM2000Quad</TileMatrixSet></TileMatrixSetLink>
      <TileMatrixSetLink><TileMatrixSet>WebMercatorQuad</TileMatrixSet></TileMatrixSetLink>
      <ResourceURL format="image/webp" resourceType="tile"
        template="https://basemaps.example/v1/tiles/aerial/{TileMatrixSet}/{TileMatrix}/{TileCol}/{TileRow}.webp"/>
    </Layer>
    <Layer>
      <ows:Title>Topo</ows:Title>
      <ows:Identifier>topo</ows:Identifier>
      <TileMatrixSetLink><TileMatrixSet>NZTM2000Quad</TileMatrixSet></TileMatrixSetLink>
      <ResourceURL format="image/png" resourceType="tile"
        template="https://basemaps.example/v1/tiles/topo/{TileMatrixSet}/{TileMatrix}/{TileCol}/{TileRow}.png"/>
    </Layer>
    <TileMatrixSet>
      <ows:Identifier>WebMercatorQuad</ows:Identifier>
      <ows:SupportedCRS>urn:ogc:def:crs:EPSG::3857</ows:SupportedCRS>
      <TileMatrix><ows:Identifier>0</ows:Identifier><TileWidth>256</TileWidth><TileHeight>256</TileHeight></TileMatrix>
      <TileMatrix><ows:Identifier>1</ows:Identifier><TileWidth>256</TileWidth><TileHeight>256</TileHeight></TileMatrix>
      <TileMatrix><ows:Identifier>2</ows:Identifier><TileWidth>256</TileWidth><TileHeight>256</TileHeight></TileMatrix>
    </TileMatrixSet>
    <TileMatrixSet>
      <ows:Identifier>NZTM2000Quad</ows:Identifier>
      <ows:SupportedCRS>urn:ogc:def:crs:EPSG::2193</ows:SupportedCRS>
      <TileMatrix><ows:Identifier>0</ows:Identifier><TileWidth>256</TileWidth><TileHeight>256</TileHeight></TileMatrix>
    </TileMatrixSet>
  </Contents>
</Capabilities>`

func TestGetLayers_PicksWebMercatorSet(t *testing.T) {
	caps, err := ParseCapabilities([]byte(sampleCapabilities))
	require.NoError(t, err)

	layers := GetLayers(caps)
	require.Len(t, layers, 2)

	aerial := layers[0]
	assert.Equal(t, "aerial", aerial.Name)
	assert.Equal(t, "Aerial Imagery Basemap", aerial.Title)
	assert.True(t, aerial.WebMercator)
	assert.Equal(t, "WebMercatorQuad", aerial.TileMatrixSet)
	assert.Equal(t, 0, aerial.MinZoom)
	assert.Equal(t, 2, aerial.MaxZoom)
	assert.Equal(t, 256, aerial.TileSize)
	assert.Equal(t, "https://basemaps.example/v1/tiles/aerial/WebMercatorQuad/{zoom}/{x}/{y}.webp", ConvertTemplateToXYZ(aerial.TemplateURL))
	assert.Equal(t, "webp", FormatExtension(aerial.Format))

	topo := layers[1]
	assert.False(t, topo.WebMercator)
	assert.Equal(t, "NZTM2000Quad", topo.TileMatrixSet)
}

func TestParseCapabilities_Rejects(t *testing.T) {
	_, err := ParseCapabilities([]byte("not xml"))
	assert.Error(t, err)

	_, err = ParseCapabilities([]byte(`<Capabilities><Contents></Contents></Capabilities>`))
	assert.Error(t, err)
}

func TestFetchCapabilities(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/WMTSCapabilities.xml" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(sampleCapabilities))
	}))
	defer srv.Close()

	caps, err := FetchCapabilities(context.Background(), srv.Client(), srv.URL+"/WMTSCapabilities.xml")
	require.NoError(t, err)
	assert.Len(t, caps.Contents.Layers, 2)

	_, err = FetchCapabilities(context.Background(), srv.Client(), srv.URL+"/missing")
	assert.Error(t, err)
}

func TestZoomRange_RejectsNamedMatrices(t *testing.T) {
	_, _, _, ok := zoomRange(TileMatrixSet{TileMatrices: []TileMatrix{{Identifier: "EPSG:3857:0", TileWidth: 256, TileHeight: 256}}})
	assert.False(t, ok)

	_, _, _, ok = zoomRange(TileMatrixSet{TileMatrices: []TileMatrix{
		{Identifier: "0", TileWidth: 256, TileHeight: 256},
		{Identifier: "2", TileWidth: 256, TileHeight: 256},
	}})
	assert.False(t, ok, "gaps are rejected")
}
