package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/offermatch/internal/ir"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Instance string
	Offer    string
	Product  string
}

// ProductView is a product as printed by inspect.
type ProductView struct {
	ID        string   `json:"product_id"`
	Members   []string `json:"members"`
	Price     string   `json:"price"`
	Sources   []string `json:"sources"`
	ItemCount int      `json:"itemcount"`
	Title     string   `json:"title,omitempty"`
}

// InspectResult holds what inspect found.
type InspectResult struct {
	Run      ir.RunRecord  `json:"run"`
	Offer    *ir.Offer     `json:"offer,omitempty"`
	Products []ProductView `json:"products"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show the run, products and offers of a matched instance",
		Long: `Show what the engine committed for an instance.

Without filters every emitted product is listed. --offer shows the offer as
stored in state.db and the product it belongs to; --product shows a single
product with its member offers.

Examples:
  offermatch inspect --mdb-instance work/db/mdb/20240101000000
  offermatch inspect --mdb-instance work/db/mdb/20240101000000 --offer 0042
  offermatch inspect --mdb-instance work/db/mdb/20240101000000 --product 0007 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Instance, "mdb-instance", "", "instance directory (required)")
	_ = cmd.MarkFlagRequired("mdb-instance")
	cmd.Flags().StringVar(&opts.Offer, "offer", "", "show one offer and its product")
	cmd.Flags().StringVar(&opts.Product, "product", "", "show one product")

	return cmd
}

func runInspect(opts *InspectOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)

	inst, err := openInstance(opts.Instance)
	if err != nil {
		return err
	}
	st, err := openState(inst)
	if err != nil {
		return WrapExitError(ExitCommandError, "instance has not been matched", err)
	}
	defer st.Close()

	run, _, err := st.ReadRun(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read run record", err)
	}
	result := InspectResult{Run: run, Products: []ProductView{}}

	productID := opts.Product
	if opts.Offer != "" {
		offer, found, err := st.LookupOffer(ctx, opts.Offer)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to look up offer", err)
		}
		if !found {
			return NewExitError(ExitFailure, fmt.Sprintf("offer %s is not bound in %s", opts.Offer, inst.Name()))
		}
		result.Offer = &offer
		productID = offer.ProductID
	}

	products, err := inst.ReadProducts()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read emitted products", err)
	}
	for _, p := range products {
		if productID != "" && p.ID != productID {
			continue
		}
		result.Products = append(result.Products, viewProduct(p))
	}
	if productID != "" && len(result.Products) == 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("product %s was not emitted by %s", productID, inst.Name()))
	}

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), CLIResponse{Status: "ok", Data: result, RunID: run.RunID})
	}
	return outputInspectText(cmd, result)
}

func viewProduct(p ir.Product) ProductView {
	sources := make([]string, len(p.Sources))
	for i, s := range p.Sources {
		sources[i] = string(s)
	}
	return ProductView{
		ID:        p.ID,
		Members:   p.Members,
		Price:     p.PriceRange(),
		Sources:   sources,
		ItemCount: p.ItemCount(),
		Title:     p.Title,
	}
}

func outputInspectText(cmd *cobra.Command, r InspectResult) error {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Instance: %s (%s, %s)\n", r.Run.Instance, r.Run.Mode, r.Run.Policy)
	if r.Run.Previous != "" {
		fmt.Fprintf(w, "Previous: %s\n", r.Run.Previous)
	}
	fmt.Fprintf(w, "Run: %s\n", r.Run.RunID)
	fmt.Fprintf(w, "Totals: %d products, %d offers\n", r.Run.Products, r.Run.Offers)

	if r.Offer != nil {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Offer %s\n", r.Offer.ID)
		fmt.Fprintf(w, "  Product: %s\n", r.Offer.ProductID)
		fmt.Fprintf(w, "  Price:   %s\n", r.Offer.Price)
		fmt.Fprintf(w, "  Source:  %s\n", r.Offer.Source)
		if r.Offer.Title != "" {
			fmt.Fprintf(w, "  Title:   %s\n", r.Offer.Title)
		}
	}

	fmt.Fprintln(w)
	for _, p := range r.Products {
		fmt.Fprintf(w, "%s  offers=%s  price=%s  sources=%s\n",
			p.ID, strings.Join(p.Members, ","), p.Price, strings.Join(p.Sources, ","))
	}
	return nil
}
