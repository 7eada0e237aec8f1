// Package opml はコレクションツリーとOPML文書の相互変換を提供する。
package opml

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hitoshi/feedtree/internal/model"
	"github.com/hitoshi/feedtree/internal/tree"
)

// OPML はOPML文書のルート要素。
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

// Head はOPMLのメタデータ。
type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

// Body はアウトラインの一覧。
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline はフォルダまたはフィードを表すアウトライン要素。
// xmlUrl を持つものがフィード、持たないものがフォルダ。
type Outline struct {
	Text     string    `xml:"text,attr"`
	Title    string    `xml:"title,attr,omitempty"`
	Type     string    `xml:"type,attr,omitempty"`
	XMLURL   string    `xml:"xmlUrl,attr,omitempty"`
	HTMLURL  string    `xml:"htmlUrl,attr,omitempty"`
	Outlines []Outline `xml:"outline,omitempty"`
}

// IsFeed はアウトラインがフィードかを返す。
func (o Outline) IsFeed() bool {
	return strings.TrimSpace(o.XMLURL) != ""
}

// Name はアウトラインの表示名を返す。title属性を優先し、なければtext属性。
func (o Outline) Name() string {
	if t := strings.TrimSpace(o.Title); t != "" {
		return t
	}
	return strings.TrimSpace(o.Text)
}

// Parse はOPML文書を読み込む。
func Parse(r io.Reader) (*OPML, error) {
	var doc OPML
	dec := xml.NewDecoder(r)
	dec.Strict = false
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode opml: %w", err)
	}
	return &doc, nil
}

// NodeFactory はアウトラインから新しいコレクションを生成する関数。
type NodeFactory func(o Outline) model.Collection

// ToNodes はアウトラインをコレクションツリーのノードに変換する。
// 子を持たないフォルダは取り除かれ、フィードの子アウトラインは無視される。
func ToNodes(outlines []Outline, newCollection NodeFactory) []*tree.Node {
	var nodes []*tree.Node
	for _, o := range outlines {
		if o.IsFeed() {
			nodes = append(nodes, &tree.Node{Collection: newCollection(o)})
			continue
		}
		children := ToNodes(o.Outlines, newCollection)
		if len(children) == 0 {
			continue
		}
		nodes = append(nodes, &tree.Node{Collection: newCollection(o), Children: children})
	}
	return nodes
}

// CountFeeds はノード群に含まれるフィードとフォルダの数を返す。
func CountFeeds(nodes []*tree.Node) (feeds, folders int) {
	for _, n := range nodes {
		if n.Collection.IsFeed() {
			feeds++
			continue
		}
		folders++
		f, d := CountFeeds(n.Children)
		feeds += f
		folders += d
	}
	return feeds, folders
}

// FromTree はコレクションツリーからOPML文書を生成する。ルート自身は出力せず、その子から始める。
func FromTree(root *tree.Node, title string, created time.Time) *OPML {
	return &OPML{
		Version: "2.0",
		Head: Head{
			Title:       title,
			DateCreated: created.UTC().Format(time.RFC1123Z),
		},
		Body: Body{Outlines: toOutlines(root.Children)},
	}
}

func toOutlines(nodes []*tree.Node) []Outline {
	outlines := make([]Outline, 0, len(nodes))
	for _, n := range nodes {
		c := n.Collection
		o := Outline{Text: c.Title, Title: c.Title}
		if c.IsFeed() {
			o.Type = "rss"
			o.XMLURL = c.URL
		} else {
			o.Outlines = toOutlines(n.Children)
		}
		outlines = append(outlines, o)
	}
	return outlines
}

// Write はOPML文書をXML宣言付きで書き出す。
func Write(w io.Writer, doc *OPML) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode opml: %w", err)
	}
	_, err := io.WriteString(w, "\n")
	return err
}
