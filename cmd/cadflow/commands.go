package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cadflow/cadflow/pkg/convert"
	"github.com/cadflow/cadflow/pkg/format"
	"github.com/cadflow/cadflow/pkg/pipeline"
	"github.com/cadflow/cadflow/pkg/plugin"
	"github.com/cadflow/cadflow/pkg/scene"
	"github.com/cadflow/cadflow/pkg/tui"
)

// Conversion flags
var (
	exportPaths  []string
	inputFormat  string
	outputFormat string
	readerSets   []string
	writerSets   []string
	docName      string
	allOrNothing bool
	bestEffort   bool

	// Formats flags
	roleFilter string

	// Import flags
	showTree bool
)

var convertCmd = &cobra.Command{
	Use:   "convert <input...> -e <output>",
	Short: "Convert files to one or more formats",
	Long: `Import one or more files into a single document and export it to every
output given with -e. Output formats come from the file suffix unless
--to is given.

Reader and writer parameters override the saved settings for this run only.
A parameter applies to every file whose format declares it; prefix it with a
format id (stl.targetFormat=binary) to restrict it to that format.

Examples:
  cadflow convert part.step -e part.stl
  cadflow convert a.obj b.obj -e merged.stl -e merged.ply
  cadflow convert scan.dat --from stl -e scan.obj
  cadflow convert part.obj -e part.stl --out-set targetFormat=binary
  cadflow convert a.obj b.stl --set obj.systemLengthUnit=inch -e ab.ply
  cadflow convert s3://parts/bracket.obj -e s3://out/bracket.stl`,
	Args: cobra.MinimumNArgs(1),
	RunE: runConvert,
}

var importCmd = &cobra.Command{
	Use:   "import <input...>",
	Short: "Import files and show the resulting document",
	Long: `Import files without exporting them, to check that they can be read and
to inspect the document they produce.

Examples:
  cadflow import part.step
  cadflow import a.obj b.stl --tree`,
	Args: cobra.MinimumNArgs(1),
	RunE: runImport,
}

var probeCmd = &cobra.Command{
	Use:   "probe <file...>",
	Short: "Detect the format of files",
	Long: `Show how each file would be resolved: by suffix, then by content.

Examples:
  cadflow probe part.stp
  cadflow probe unknown.dat`,
	Args: cobra.MinimumNArgs(1),
	RunE: runProbe,
}

var formatsCmd = &cobra.Command{
	Use:   "formats",
	Short: "List supported formats",
	Long: `List every format with a registered reader or writer.

Examples:
  cadflow formats
  cadflow formats --role writer`,
	RunE: runFormats,
}

func init() {
	for _, c := range []*cobra.Command{convertCmd, importCmd} {
		c.Flags().StringVar(&inputFormat, "from", "", "Input format, skipping detection")
		c.Flags().StringArrayVar(&readerSets, "set", nil, "Reader parameter override (key=value or format.key=value)")
		c.Flags().StringVar(&docName, "name", "", "Document name (default: first input's name)")
		c.Flags().BoolVar(&allOrNothing, "all-or-nothing", false, "Fail the whole run if any input fails")
		c.Flags().BoolVar(&bestEffort, "best-effort", false, "Keep going when some inputs fail")
		c.MarkFlagsMutuallyExclusive("all-or-nothing", "best-effort")
	}

	convertCmd.Flags().StringArrayVarP(&exportPaths, "export", "e", nil, "Output path (repeatable)")
	convertCmd.Flags().StringVar(&outputFormat, "to", "", "Output format for every -e path")
	convertCmd.Flags().StringArrayVar(&writerSets, "out-set", nil, "Writer parameter override (key=value or format.key=value)")
	convertCmd.MarkFlagRequired("export")

	importCmd.Flags().BoolVar(&showTree, "tree", false, "Print the document tree")

	formatsCmd.Flags().StringVar(&roleFilter, "role", "", "Only formats with this role (reader, writer)")

	rootCmd.AddCommand(convertCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(formatsCmd)
}

func runConvert(cmd *cobra.Command, args []string) error {
	req, err := buildRequest(args)
	if err != nil {
		return err
	}

	var to format.Format
	if outputFormat != "" {
		if to, err = format.Parse(outputFormat); err != nil {
			return err
		}
	}
	overrides, err := parseAssignments(writerSets)
	if err != nil {
		return err
	}
	for _, p := range exportPaths {
		req.Targets = append(req.Targets, pipeline.ExportRequest{Path: p, Format: to, Overrides: overrides})
	}
	return execute(cmd, req)
}

func runImport(cmd *cobra.Command, args []string) error {
	req, err := buildRequest(args)
	if err != nil {
		return err
	}
	return execute(cmd, req)
}

func buildRequest(inputs []string) (convert.Request, error) {
	var from format.Format
	if inputFormat != "" {
		var err error
		if from, err = format.Parse(inputFormat); err != nil {
			return convert.Request{}, err
		}
	}
	overrides, err := parseAssignments(readerSets)
	if err != nil {
		return convert.Request{}, err
	}

	req := convert.Request{Name: docName}
	for _, in := range inputs {
		req.Inputs = append(req.Inputs, pipeline.ImportRequest{Path: in, Format: from, Overrides: overrides})
	}
	switch {
	case allOrNothing:
		v := true
		req.AllOrNothing = &v
	case bestEffort:
		v := false
		req.AllOrNothing = &v
	}
	return req, nil
}

// execute runs req with progress bars and prints the outcome.
func execute(cmd *cobra.Command, req convert.Request) error {
	if !noProgress {
		detach := tui.Attach(app.svc.Tasks(), os.Stderr)
		defer detach()
	}

	res, err := app.svc.Convert(cmd.Context(), req)
	app.out.Result(res)
	if res != nil && showTree {
		for _, n := range res.Document.Roots() {
			printTree(n, 1)
		}
		fmt.Println()
	}
	return err
}

func printTree(n *scene.Node, depth int) {
	detail := n.Kind.String()
	if n.Mesh != nil {
		detail += fmt.Sprintf(", %d triangles", len(n.Mesh.Triangles))
	}
	name := n.Name
	if name == "" {
		name = "(unnamed)"
	}
	fmt.Printf("%s%s (%s)\n", strings.Repeat("  ", depth), name, detail)
	for _, c := range n.Children {
		printTree(c, depth+1)
	}
}

func runProbe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	for _, path := range args {
		app.out.Section(path)

		byExt, err := app.reg.ResolveByExtension(path, plugin.RoleReader)
		if err != nil {
			app.out.Field("Suffix", "no match")
		} else {
			app.out.Field("Suffix", byExt.Name())
		}

		in, err := app.reg.ReadHead(ctx, app.storage, path)
		if err != nil {
			return err
		}
		if in.Size >= 0 {
			app.out.Field("Size", tui.FormatBytes(in.Size))
		}
		byContent, err := app.reg.ResolveByContent(in, plugin.RoleReader)
		if err != nil {
			app.out.Field("Content", "no match")
		} else {
			app.out.Field("Content", byContent.Name())
		}
		if byExt != format.Unknown && byContent != format.Unknown && byExt != byContent {
			app.out.Muted("suffix and content disagree; the suffix wins on import")
		}
	}
	fmt.Println()
	return nil
}

func runFormats(cmd *cobra.Command, args []string) error {
	var want plugin.Role
	switch roleFilter {
	case "":
	case "reader":
		want = plugin.RoleReader
	case "writer":
		want = plugin.RoleWriter
	default:
		return fmt.Errorf("unknown role %q (want reader or writer)", roleFilter)
	}

	var rows [][]string
	for _, f := range format.All() {
		read := app.reg.Supports(f, plugin.RoleReader)
		write := app.reg.Supports(f, plugin.RoleWriter)
		if (want == plugin.RoleReader && !read) || (want == plugin.RoleWriter && !write) || (!read && !write) {
			continue
		}
		data := "mesh"
		if f.ProvidesBRep() {
			data = "brep"
		}
		rows = append(rows, []string{f.String(), f.Name(), strings.Join(f.Suffixes(), " "), mark(read), mark(write), data})
	}
	fmt.Println()
	app.out.Table([]string{"ID", "NAME", "SUFFIXES", "READ", "WRITE", "DATA"}, rows)
	fmt.Println()
	return nil
}

func mark(ok bool) string {
	if ok {
		return "yes"
	}
	return "-"
}

// parseAssignments parses key=value flags.
func parseAssignments(flags []string) (map[string]string, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(flags))
	for _, f := range flags {
		k, v, ok := strings.Cut(f, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid assignment %q (want key=value)", f)
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out, nil
}
